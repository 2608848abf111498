package task

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/step"
	"github.com/dcshock/genpipe/store"
)

// Priority orders tasks in the queue. Higher runs first; arrival order breaks
// ties.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority reads "high", "normal", or "low" ("" means normal).
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is a task's lifecycle state. Once running, a task never returns to
// pending; succeeded, failed, and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// Task is one schedulable unit of work wrapping a pipeline run. The Manager
// owns it; only the worker executing it mutates it.
type Task struct {
	ID         string
	Pipeline   string
	Priority   Priority
	Status     Status
	Payload    string
	Mode       pipeline.Mode
	Retries    int
	MaxRetries int

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	ErrCategory step.Category
	LastErr     string

	State  *pipeline.State
	Result *pipeline.RunResult

	// cancel is the cooperative cancellation flag, observed by the runner
	// only at stage boundaries.
	cancel atomic.Bool
	// progress mirrors State.StageIndex for race-free status reads while a
	// worker is mutating the State.
	progress atomic.Int32
	// stageTotal is the pipeline's stage count, fixed at submission.
	stageTotal int
	// executing is true while a worker holds the task. Guarded by the
	// manager's mutex; enforces at-most-once concurrent execution.
	executing bool
	// seq is the arrival number deciding FIFO order within a priority class.
	seq uint64
}

// transition validates and applies a status change.
func (t *Task) transition(to Status) error {
	for _, ok := range transitions[t.Status] {
		if ok == to {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("task %s: invalid transition %s -> %s", t.ID, t.Status, to)
}

// Snapshot is an immutable copy of a task's externally visible state.
type Snapshot struct {
	ID          string               `json:"id"`
	Pipeline    string               `json:"pipeline"`
	Priority    string               `json:"priority"`
	Status      Status               `json:"status"`
	Mode        pipeline.Mode        `json:"mode"`
	Retries     int                  `json:"retries"`
	MaxRetries  int                  `json:"max_retries"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	EndedAt     time.Time            `json:"ended_at,omitempty"`
	StageIndex  int                  `json:"stage_index"`
	StageCount  int                  `json:"stage_count"`
	ErrCategory step.Category        `json:"err_category,omitempty"`
	LastErr     string               `json:"last_err,omitempty"`
	Evaluation  *pipeline.Evaluation `json:"evaluation,omitempty"`
	Output      string               `json:"output,omitempty"`
}

// snapshot copies the task. Caller holds the manager's mutex.
func (t *Task) snapshot() Snapshot {
	s := Snapshot{
		ID:          t.ID,
		Pipeline:    t.Pipeline,
		Priority:    t.Priority.String(),
		Status:      t.Status,
		Mode:        t.Mode,
		Retries:     t.Retries,
		MaxRetries:  t.MaxRetries,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
		ErrCategory: t.ErrCategory,
		LastErr:     t.LastErr,
	}
	s.StageIndex = int(t.progress.Load())
	s.StageCount = t.stageTotal
	// State details are read only while no worker is mutating them.
	if !t.executing && t.State != nil && t.State.Evaluation != nil {
		ev := *t.State.Evaluation
		s.Evaluation = &ev
	}
	if !t.executing && t.Result != nil {
		s.Output = t.Result.Output.Text
	}
	return s
}

// record flattens the task for persistence. Caller holds the manager's mutex.
func (t *Task) record() *store.TaskRecord {
	rec := &store.TaskRecord{
		ID:          t.ID,
		Pipeline:    t.Pipeline,
		Priority:    t.Priority.String(),
		Status:      string(t.Status),
		Mode:        string(t.Mode),
		Payload:     t.Payload,
		Retries:     t.Retries,
		MaxRetries:  t.MaxRetries,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
		ErrCategory: string(t.ErrCategory),
		LastErr:     t.LastErr,
	}
	if t.State != nil {
		if data, err := json.Marshal(t.State); err == nil {
			rec.State = data
		}
	}
	return rec
}
