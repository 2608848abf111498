// Package store defines the persistence collaborator the engine calls at its
// checkpoints: after every task status transition and after every completed
// stage. The storage format belongs to implementations; the engine hands over
// flat records and JSON-serializable payloads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dcshock/genpipe/pipeline"
)

// ErrNotFound is returned by LoadTask for an unknown task id.
var ErrNotFound = errors.New("task not found")

// TaskRecord is the flat persisted form of a task. State is the pipeline
// state marshaled as JSON so a run can be inspected or resumed.
type TaskRecord struct {
	ID          string          `json:"id"`
	Pipeline    string          `json:"pipeline"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	Mode        string          `json:"mode"`
	Payload     string          `json:"payload"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	EndedAt     time.Time       `json:"ended_at,omitempty"`
	ErrCategory string          `json:"err_category,omitempty"`
	LastErr     string          `json:"last_err,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
}

// TaskStore persists task lifecycle checkpoints. SaveTask upserts by id and
// is called before control returns from every status transition.
// SaveStageOutput is called after every completed stage; SaveResult only when
// a task reaches its terminal succeeded state.
type TaskStore interface {
	SaveTask(ctx context.Context, rec *TaskRecord) error
	LoadTask(ctx context.Context, id string) (*TaskRecord, error)
	SaveStageOutput(ctx context.Context, taskID, stage string, out pipeline.StageOutput) error
	SaveResult(ctx context.Context, taskID string, res *pipeline.RunResult) error
}
