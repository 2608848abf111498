package task

import "errors"

// ErrQueueFull is returned by Submit when the queue is at capacity. The
// submission is rejected outright, never silently dropped or blocked.
var ErrQueueFull = errors.New("task queue full")

// queue is a priority heap over tasks: strict priority ordering, FIFO by
// arrival sequence within a priority class. Not safe for concurrent use; the
// Manager guards it with its mutex.
type queue struct {
	items []*Task
}

func (q *queue) Len() int { return len(q.items) }

func (q *queue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func (q *queue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *queue) Push(x any) { q.items = append(q.items, x.(*Task)) }

func (q *queue) Pop() any {
	n := len(q.items)
	t := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	return t
}
