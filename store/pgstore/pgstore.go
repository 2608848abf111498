// Package pgstore persists task state to Postgres with pgx. Tables: gen_task
// (one row per task, upserted on every status transition), gen_task_stage
// (one row per completed stage output), gen_task_result (durable results for
// tasks that reached succeeded).
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/store"
)

// Schema creates the pgstore tables. Run it once at deploy (or via
// EnsureSchema for small installations).
const Schema = `
CREATE TABLE IF NOT EXISTS gen_task (
    id           TEXT PRIMARY KEY,
    pipeline     TEXT NOT NULL,
    priority     TEXT NOT NULL,
    status       TEXT NOT NULL,
    mode         TEXT NOT NULL DEFAULT 'automatic',
    payload      TEXT NOT NULL DEFAULT '',
    retries      INT NOT NULL DEFAULT 0,
    max_retries  INT NOT NULL DEFAULT 0,
    err_category TEXT NOT NULL DEFAULT '',
    last_err     TEXT NOT NULL DEFAULT '',
    state        JSONB,
    created_at   TIMESTAMPTZ NOT NULL,
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS gen_task_stage (
    task_id    TEXT NOT NULL,
    stage      TEXT NOT NULL,
    output     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (task_id, stage)
);

CREATE TABLE IF NOT EXISTS gen_task_result (
    task_id    TEXT PRIMARY KEY,
    result     JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS gen_task_status_ended_idx ON gen_task (status, ended_at);
`

// Store implements store.TaskStore over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store using the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies Schema. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveTask implements store.TaskStore. Upserts by id so the same task can be
// checkpointed through every transition.
func (s *Store) SaveTask(ctx context.Context, rec *store.TaskRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gen_task
		    (id, pipeline, priority, status, mode, payload, retries, max_retries,
		     err_category, last_err, state, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status,
		    retries = EXCLUDED.retries,
		    err_category = EXCLUDED.err_category,
		    last_err = EXCLUDED.last_err,
		    state = EXCLUDED.state,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at`,
		rec.ID, rec.Pipeline, rec.Priority, rec.Status, rec.Mode, rec.Payload,
		rec.Retries, rec.MaxRetries, rec.ErrCategory, rec.LastErr,
		stateJSON(rec.State), nullable(rec.CreatedAt), nullable(rec.StartedAt), nullable(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", rec.ID, err)
	}
	return nil
}

// LoadTask implements store.TaskStore.
func (s *Store) LoadTask(ctx context.Context, id string) (*store.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, pipeline, priority, status, mode, payload, retries, max_retries,
		       err_category, last_err, state, created_at, started_at, ended_at
		FROM gen_task WHERE id = $1`, id)
	var rec store.TaskRecord
	var state []byte
	var created, started, ended *time.Time
	err := row.Scan(&rec.ID, &rec.Pipeline, &rec.Priority, &rec.Status, &rec.Mode,
		&rec.Payload, &rec.Retries, &rec.MaxRetries, &rec.ErrCategory, &rec.LastErr,
		&state, &created, &started, &ended)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	rec.State = state
	rec.CreatedAt = deref(created)
	rec.StartedAt = deref(started)
	rec.EndedAt = deref(ended)
	return &rec, nil
}

// SaveStageOutput implements store.TaskStore.
func (s *Store) SaveStageOutput(ctx context.Context, taskID, stage string, out pipeline.StageOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal stage output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gen_task_stage (task_id, stage, output, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (task_id, stage) DO UPDATE SET
		    output = EXCLUDED.output, updated_at = now()`,
		taskID, stage, data)
	if err != nil {
		return fmt.Errorf("save stage output %s/%s: %w", taskID, stage, err)
	}
	return nil
}

// SaveResult implements store.TaskStore.
func (s *Store) SaveResult(ctx context.Context, taskID string, res *pipeline.RunResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gen_task_result (task_id, result)
		VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET result = EXCLUDED.result`,
		taskID, data)
	if err != nil {
		return fmt.Errorf("save result %s: %w", taskID, err)
	}
	return nil
}

func stateJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ store.TaskStore = (*Store)(nil)
