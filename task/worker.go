package task

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dcshock/genpipe/events"
	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/step"
)

// worker pulls tasks in priority+arrival order and runs each to completion or
// suspension before taking another.
func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			t := m.next()
			if t == nil {
				break
			}
			m.runTask(t)
		}
	}
}

// next pops the highest-priority queued task, skipping anything cancelled
// while it waited. The popped task is marked executing under the lock, which
// is what guarantees at-most-once concurrent execution per task id.
func (m *Manager) next() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.q.Len() > 0 {
		t := heap.Pop(&m.q).(*Task)
		m.met.QueueDepth(m.q.Len())
		if t.Status.Terminal() {
			continue
		}
		t.executing = true
		return t
	}
	return nil
}

// runTask executes one task's pipeline under the whole-task timeout.
func (m *Manager) runTask(t *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TaskTimeout)
	defer cancel()

	m.mu.Lock()
	runner := m.runners[t.Pipeline]
	if t.Status == StatusPending {
		if err := t.transition(StatusRunning); err != nil {
			t.executing = false
			m.mu.Unlock()
			return
		}
		t.StartedAt = m.now()
	}
	rec := t.record()
	m.mu.Unlock()
	m.persist(rec)
	m.log.Info("task running", "task", t.ID, "pipeline", t.Pipeline, "priority", t.Priority.String())

	opts := &pipeline.RunOptions{
		RunID:      t.ID,
		ResumeFrom: -1,
		Observer:   &checkpointer{m: m, t: t},
		Events:     events.Scoped(t.ID, m.pub),
		Cancelled:  t.cancel.Load,
		Config:     pipeline.RunConfig{StageTimeout: m.cfg.StageTimeout},
	}
	res, err := runner.Run(ctx, t.State, opts)
	m.finish(t, res, err)
}

// finish applies the run outcome to the task and persists the transition.
func (m *Manager) finish(t *Task, res *pipeline.RunResult, runErr error) {
	m.mu.Lock()
	t.executing = false
	switch {
	case runErr == nil:
		t.Result = res
		t.transition(StatusSucceeded)
		t.EndedAt = m.now()
	case pipeline.IsAwaitingInput(runErr):
		if t.Mode == pipeline.ModeInteractive {
			// Suspended for interactive relay: stays running, no worker
			// holds it.
			rec := t.record()
			m.mu.Unlock()
			m.persist(rec)
			return
		}
		// An automatic run has no relay channel to feed the stage.
		t.ErrCategory = step.CategoryPermanent
		t.LastErr = fmt.Sprintf("stage %q awaits input outside interactive mode", res.Awaiting)
		t.transition(StatusFailed)
		t.EndedAt = m.now()
	case errors.Is(runErr, pipeline.ErrCancelled) || t.cancel.Load():
		t.transition(StatusCancelled)
		t.EndedAt = m.now()
	default:
		cat := step.Classify(runErr)
		if cat == step.CategoryTransient && t.Retries < t.MaxRetries {
			// Requeue from the checkpoint; completed stages are not redone.
			t.Retries++
			heap.Push(&m.q, t)
			depth := m.q.Len()
			rec := t.record()
			m.mu.Unlock()
			m.persist(rec)
			m.met.QueueDepth(depth)
			m.log.Warn("task requeued after transient failure", "task", t.ID, "retry", t.Retries, "err", runErr)
			m.wakeOne()
			return
		}
		t.ErrCategory = cat
		t.LastErr = runErr.Error()
		t.transition(StatusFailed)
		t.EndedAt = m.now()
	}
	status := t.Status
	rec := t.record()
	result := t.Result
	m.mu.Unlock()

	m.persist(rec)
	m.met.TaskDone(string(status))
	switch status {
	case StatusSucceeded:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.st.SaveResult(ctx, t.ID, result); err != nil {
			m.log.Error("persist result", "task", t.ID, "err", err)
		}
		cancel()
		m.pub.Publish(events.Event{TaskID: t.ID, Type: events.Completed, Payload: map[string]any{
			"output": result.Output.Text,
		}})
		m.log.Info("task succeeded", "task", t.ID)
	case StatusFailed:
		m.pub.Publish(events.Event{TaskID: t.ID, Type: events.RunError, Payload: map[string]any{
			"category": rec.ErrCategory, "error": rec.LastErr,
		}})
		m.log.Warn("task failed", "task", t.ID, "category", rec.ErrCategory, "err", rec.LastErr)
	case StatusCancelled:
		m.pub.Publish(events.Event{TaskID: t.ID, Type: events.RunError, Payload: map[string]any{
			"category": "cancelled",
		}})
		m.log.Info("task cancelled", "task", t.ID)
	}
}

// checkpointer persists pipeline progress through the store at the runner's
// observer checkpoints.
type checkpointer struct {
	m *Manager
	t *Task
}

func (c *checkpointer) BeforeRun(ctx context.Context, runID, name string, st *pipeline.State) error {
	return nil
}

func (c *checkpointer) AfterRun(ctx context.Context, runID string, st *pipeline.State, runErr error) error {
	return nil
}

func (c *checkpointer) BeforeStage(ctx context.Context, runID string, index int, stage string) error {
	return nil
}

func (c *checkpointer) AfterStage(ctx context.Context, runID string, index int, stage string, res *pipeline.StageResult) error {
	if res == nil || res.Status != pipeline.StatusSuccess {
		return nil
	}
	c.t.progress.Store(int32(index + 1))
	if err := c.m.st.SaveStageOutput(ctx, c.t.ID, stage, res.Output); err != nil {
		c.m.log.Error("persist stage output", "task", c.t.ID, "stage", stage, "err", err)
	}
	// Checkpoint the advancing state so a restart can resume past this stage.
	c.m.persist(c.t.record())
	return nil
}

// heartbeatLoop emits periodic heartbeats for running tasks so subscribers
// can tell an idle stream from a dead connection.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		var running []string
		for id, t := range m.tasks {
			if t.Status == StatusRunning {
				running = append(running, id)
			}
		}
		m.mu.Unlock()
		for _, id := range running {
			m.pub.Publish(events.Event{TaskID: id, Type: events.Heartbeat})
		}
	}
}

// sweepLoop forgets terminal tasks once their retention window passes,
// closing their event streams. Store-side retention for Postgres is the
// pgstore reaper, run as its own job.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		cutoff := m.now().Add(-m.cfg.Retention)
		m.mu.Lock()
		var swept []string
		for id, t := range m.tasks {
			if t.Status.Terminal() && !t.EndedAt.IsZero() && t.EndedAt.Before(cutoff) {
				delete(m.tasks, id)
				swept = append(swept, id)
			}
		}
		m.mu.Unlock()
		for _, id := range swept {
			m.bc.Drop(id)
			if d, ok := m.st.(interface{ Delete(string) }); ok {
				d.Delete(id)
			}
			m.log.Info("task swept", "task", id)
		}
	}
}

// unmarshalState decodes a persisted pipeline state.
func unmarshalState(data []byte, st *pipeline.State) error {
	if err := json.Unmarshal(data, st); err != nil {
		return err
	}
	if st.Outputs == nil {
		st.Outputs = make(map[string]pipeline.StageOutput)
	}
	return nil
}
