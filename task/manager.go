package task

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcshock/genpipe/events"
	"github.com/dcshock/genpipe/metrics"
	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/step"
	"github.com/dcshock/genpipe/store"
	"github.com/dcshock/genpipe/store/memstore"
)

// ErrUnknownTask is returned for operations on task ids the manager does not
// hold.
var ErrUnknownTask = errors.New("unknown task")

// ErrUnknownPipeline is returned by Submit for an unregistered pipeline name.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Config sizes the manager. Zero fields get defaults.
type Config struct {
	// Workers is the concurrency ceiling of the pool. Default 4.
	Workers int
	// QueueSize bounds the priority queue; submissions beyond it are
	// rejected with ErrQueueFull. Default 64.
	QueueSize int
	// TaskTimeout bounds one whole task run, independent of per-call
	// timeouts inside the step executor. It covers worker-held execution
	// only; interactive suspensions wait indefinitely. Default 10m.
	TaskTimeout time.Duration
	// StageTimeout is the default per-stage deadline. Zero means none.
	StageTimeout time.Duration
	// Heartbeat is the interval between heartbeat events for running tasks.
	// Default 15s.
	Heartbeat time.Duration
	// Retention keeps terminal tasks queryable before the sweep forgets
	// them. Default 1h.
	Retention time.Duration
	// SweepEvery is the retention sweep interval. Default 1m.
	SweepEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	return c
}

// Options are the manager's collaborators. Nil fields get working defaults
// (in-memory behavior, no-op metrics).
type Options struct {
	Store  store.TaskStore
	Events *events.Broadcaster
	// Relay, if set, receives every event in addition to the broadcaster
	// (e.g. an events.Relay publishing to NATS).
	Relay   events.Publisher
	Metrics metrics.Collector
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager owns the task registry, the priority queue, and the worker pool.
// Construct one explicitly and pass it by reference; there is no package
// global.
type Manager struct {
	cfg Config
	st  store.TaskStore
	bc  *events.Broadcaster
	pub events.Publisher
	met metrics.Collector
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	runners map[string]*pipeline.Runner
	tasks   map[string]*Task
	q       queue
	seq     uint64
	started bool

	wake chan struct{}
	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

// NewManager returns a Manager with the given sizing and collaborators. Call
// RegisterPipeline for every pipeline it should run, then Start.
func NewManager(cfg Config, opts Options) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		st:      opts.Store,
		bc:      opts.Events,
		met:     opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
		runners: make(map[string]*pipeline.Runner),
		tasks:   make(map[string]*Task),
		wake:    make(chan struct{}, cfg.Workers),
		done:    make(chan struct{}),
	}
	if m.st == nil {
		m.st = memstore.New()
	}
	if m.bc == nil {
		m.bc = events.NewBroadcaster(0)
	}
	if m.met == nil {
		m.met = metrics.Nop{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.pub = m.bc
	if opts.Relay != nil {
		m.pub = events.Combine(m.bc, opts.Relay)
	}
	return m
}

// RegisterPipeline makes the named runner submittable.
func (m *Manager) RegisterPipeline(name string, r *pipeline.Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[name] = r
}

// Start spawns the worker pool and the heartbeat and retention loops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.sweepLoop()
}

// Stop shuts the pool down. Running tasks finish their current stage work;
// queued tasks stay queued in memory and persisted as pending.
func (m *Manager) Stop() {
	m.stop.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Submission describes one task to run.
type Submission struct {
	Pipeline   string
	Input      string
	Priority   Priority
	Mode       pipeline.Mode
	MaxRetries int
}

// Submit enqueues a task and persists its pending record before returning.
// Returns ErrQueueFull when the queue is at capacity and ErrUnknownPipeline
// for an unregistered pipeline.
func (m *Manager) Submit(ctx context.Context, sub Submission) (string, error) {
	m.mu.Lock()
	runner, ok := m.runners[sub.Pipeline]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownPipeline, sub.Pipeline)
	}
	if m.q.Len() >= m.cfg.QueueSize {
		m.mu.Unlock()
		return "", ErrQueueFull
	}
	t := &Task{
		ID:         uuid.New().String(),
		Pipeline:   sub.Pipeline,
		Priority:   sub.Priority,
		Status:     StatusPending,
		Payload:    sub.Input,
		Mode:       sub.Mode,
		MaxRetries: sub.MaxRetries,
		CreatedAt:  m.now(),
		State:      pipeline.NewState(sub.Input, sub.Mode),
		seq:        m.seq,
	}
	m.seq++
	t.State.StageCount = runner.Len()
	t.stageTotal = runner.Len()
	m.tasks[t.ID] = t
	heap.Push(&m.q, t)
	depth := m.q.Len()
	rec := t.record()
	m.mu.Unlock()

	if err := m.st.SaveTask(ctx, rec); err != nil {
		m.mu.Lock()
		delete(m.tasks, t.ID)
		for i, queued := range m.q.items {
			if queued == t {
				heap.Remove(&m.q, i)
				break
			}
		}
		m.mu.Unlock()
		return "", fmt.Errorf("persist task: %w", err)
	}
	m.met.TaskEnqueued(sub.Priority.String())
	m.met.QueueDepth(depth)
	m.log.Info("task submitted", "task", t.ID, "pipeline", sub.Pipeline, "priority", sub.Priority.String())
	m.wakeOne()
	return t.ID, nil
}

// Status returns an immutable copy of the task's externally visible state.
func (m *Manager) Status(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Snapshot{}, ErrUnknownTask
	}
	return t.snapshot(), nil
}

// Cancel requests cancellation. A pending task is cancelled immediately; a
// running one gets its cooperative flag set and stops at the next stage
// boundary; a terminal one reports false.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	if t.Status == StatusPending || !t.executing {
		// Pending, or a suspended interactive run: no worker holds it, so
		// the transition happens right here.
		if err := t.transition(StatusCancelled); err != nil {
			m.mu.Unlock()
			return false
		}
		t.EndedAt = m.now()
		rec := t.record()
		m.mu.Unlock()
		m.persist(rec)
		m.met.TaskDone(string(StatusCancelled))
		m.log.Info("task cancelled", "task", id)
		return true
	}
	t.cancel.Store(true)
	m.mu.Unlock()
	return true
}

// Subscribe attaches a live event stream for the task. Events before
// Subscribe are not replayed; poll Status to catch up.
func (m *Manager) Subscribe(id string) (*events.Subscription, error) {
	m.mu.Lock()
	_, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTask
	}
	return m.bc.Subscribe(id), nil
}

// CurrentPrompt returns the renderable request for the task's current stage.
// Interactive tasks only.
func (m *Manager) CurrentPrompt(id string) (*pipeline.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, runner, err := m.interactive(id)
	if err != nil {
		return nil, err
	}
	return runner.RenderPrompt(t.State)
}

// SubmitStageResult records a human-relayed raw response for the task's
// current stage, validating and parsing it exactly as an automatic response.
// When the relay completes the last stage the task succeeds.
func (m *Manager) SubmitStageResult(ctx context.Context, id, stageName, raw string) (*pipeline.StageResult, error) {
	m.mu.Lock()
	t, runner, err := m.interactive(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	res, err := runner.SubmitResult(t.State, stageName, raw)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	index := t.State.StageIndex - 1
	total := t.State.StageCount
	t.progress.Store(int32(t.State.StageIndex))
	finished := runner.Done(t.State)
	if finished {
		if t.Status == StatusPending {
			t.transition(StatusRunning)
			t.StartedAt = m.now()
		}
		t.transition(StatusSucceeded)
		t.EndedAt = m.now()
		t.Result = &pipeline.RunResult{RunID: t.ID, Output: res.Output}
	}
	rec := t.record()
	result := t.Result
	m.mu.Unlock()

	if err := m.st.SaveStageOutput(ctx, id, stageName, res.Output); err != nil {
		m.log.Error("persist stage output", "task", id, "stage", stageName, "err", err)
	}
	m.persist(rec)
	m.pub.Publish(events.Event{TaskID: id, Type: events.StageCompleted, Stage: stageName, Payload: map[string]any{
		"index": index, "total": total, "relayed": true,
	}})
	if finished {
		if err := m.st.SaveResult(ctx, id, result); err != nil {
			m.log.Error("persist result", "task", id, "err", err)
		}
		m.met.TaskDone(string(StatusSucceeded))
		m.pub.Publish(events.Event{TaskID: id, Type: events.Completed, Payload: map[string]any{
			"output": result.Output.Text,
		}})
		m.log.Info("task succeeded", "task", id, "mode", "interactive")
	}
	return res, nil
}

// interactive fetches a task for the manual-mode surface. Caller holds m.mu.
func (m *Manager) interactive(id string) (*Task, *pipeline.Runner, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil, ErrUnknownTask
	}
	if t.Mode != pipeline.ModeInteractive {
		return nil, nil, fmt.Errorf("task %s is not interactive", id)
	}
	if t.Status.Terminal() {
		return nil, nil, fmt.Errorf("task %s already %s", id, t.Status)
	}
	if t.executing {
		return nil, nil, fmt.Errorf("task %s is currently executing", id)
	}
	if t.cancel.Load() {
		return nil, nil, fmt.Errorf("task %s is being cancelled", id)
	}
	return t, m.runners[t.Pipeline], nil
}

// Restore reloads a persisted task into the registry, re-enqueuing it when it
// was not terminal. Used after a restart to pick up in-flight work.
func (m *Manager) Restore(ctx context.Context, id string) error {
	rec, err := m.st.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	prio, err := ParsePriority(rec.Priority)
	if err != nil {
		return err
	}
	st := pipeline.NewState(rec.Payload, pipeline.Mode(rec.Mode))
	if len(rec.State) > 0 {
		if err := unmarshalState(rec.State, st); err != nil {
			return fmt.Errorf("restore task %s: %w", id, err)
		}
	}
	t := &Task{
		ID:          rec.ID,
		Pipeline:    rec.Pipeline,
		Priority:    prio,
		Status:      Status(rec.Status),
		Payload:     rec.Payload,
		Mode:        pipeline.Mode(rec.Mode),
		Retries:     rec.Retries,
		MaxRetries:  rec.MaxRetries,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
		ErrCategory: step.Category(rec.ErrCategory),
		LastErr:     rec.LastErr,
		State:       st,
	}
	t.progress.Store(int32(st.StageIndex))
	m.mu.Lock()
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("task %s already registered", id)
	}
	runner, ok := m.runners[t.Pipeline]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPipeline, t.Pipeline)
	}
	t.stageTotal = runner.Len()
	t.State.StageCount = runner.Len()
	t.seq = m.seq
	m.seq++
	m.tasks[id] = t
	requeue := !t.Status.Terminal() && t.Mode != pipeline.ModeInteractive
	if requeue {
		heap.Push(&m.q, t)
	}
	m.mu.Unlock()
	if requeue {
		m.wakeOne()
	}
	return nil
}

func (m *Manager) wakeOne() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// persist writes a task checkpoint with its own deadline; failures are logged,
// not propagated, so a slow store cannot wedge the pool.
func (m *Manager) persist(rec *store.TaskRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.st.SaveTask(ctx, rec); err != nil {
		m.log.Error("persist task", "task", rec.ID, "err", err)
	}
}
