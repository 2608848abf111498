package events

import (
	"sync"
	"time"
)

// Type identifies what a progress event reports.
type Type string

const (
	StageStarted   Type = "stage.started"
	StageCompleted Type = "stage.completed"
	StageFailed    Type = "stage.failed"
	FanOutProgress Type = "fanout.progress"
	Heartbeat      Type = "heartbeat"
	Completed      Type = "completed"
	RunError       Type = "error"
)

// Event is one entry in a task's progress stream. Seq is assigned by the
// Broadcaster, strictly increasing per task.
type Event struct {
	TaskID  string         `json:"task_id"`
	Type    Type           `json:"type"`
	Stage   string         `json:"stage,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"time"`
}

// Publisher accepts progress events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Combine fans one Publish out to several publishers in order.
func Combine(ps ...Publisher) Publisher {
	return PublisherFunc(func(ev Event) {
		for _, p := range ps {
			if p != nil {
				p.Publish(ev)
			}
		}
	})
}

// Scoped returns a Publisher that stamps taskID onto every event before
// forwarding it. The pipeline runner publishes through this so it never needs
// to know which task it is running for.
func Scoped(taskID string, p Publisher) Publisher {
	return PublisherFunc(func(ev Event) {
		ev.TaskID = taskID
		p.Publish(ev)
	})
}

// Subscription is one subscriber's view of a task's stream. Receive from C;
// C is closed when the task's stream is dropped or the subscriber lagged.
type Subscription struct {
	C <-chan Event

	b      *Broadcaster
	ch     chan Event
	taskID string
	closed bool
	lagged bool
}

// Lagged reports whether the subscription was dropped because its buffer
// overflowed. A lagged consumer should poll task status to catch up.
func (s *Subscription) Lagged() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.lagged
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.remove(s)
}

type topic struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// Broadcaster fans each task's event stream out to its subscribers. Publish
// never blocks: a subscriber that cannot keep up is closed and marked lagged.
type Broadcaster struct {
	// Now is the event clock; nil means time.Now.
	Now func() time.Time

	mu     sync.Mutex
	buffer int
	topics map[string]*topic
}

// NewBroadcaster returns a Broadcaster whose subscribers buffer up to buffer
// events (<= 0 defaults to 16).
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{buffer: buffer, topics: make(map[string]*topic)}
}

// Publish appends ev to its task's stream, assigning the next sequence
// number, and delivers it to every live subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[ev.TaskID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[ev.TaskID] = t
	}
	t.seq++
	ev.Seq = t.seq
	if ev.Time.IsZero() {
		if b.Now != nil {
			ev.Time = b.Now()
		} else {
			ev.Time = time.Now()
		}
	}
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged = true
			b.remove(sub)
		}
	}
}

// Subscribe attaches a new subscriber to taskID's stream. Events published
// before Subscribe are not replayed.
func (b *Broadcaster) Subscribe(taskID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[taskID] = t
	}
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, b: b, taskID: taskID}
	t.subs[sub] = struct{}{}
	return sub
}

// Drop closes every subscriber of taskID and forgets the stream. Called when
// a task is swept after its retention window.
func (b *Broadcaster) Drop(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		return
	}
	for sub := range t.subs {
		b.remove(sub)
	}
	delete(b.topics, taskID)
}

// remove detaches sub and closes its channel. Caller holds b.mu.
func (b *Broadcaster) remove(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if t, ok := b.topics[sub.taskID]; ok {
		delete(t.subs, sub)
	}
	close(sub.ch)
}
