// Package memstore is the in-memory TaskStore: the default for single-process
// deployments and the test double everywhere else.
package memstore

import (
	"context"
	"sync"

	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/store"
)

// Store keeps task records, stage outputs, and results in mutex-guarded maps.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]store.TaskRecord
	stages  map[string]map[string]pipeline.StageOutput
	results map[string]pipeline.RunResult
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:   make(map[string]store.TaskRecord),
		stages:  make(map[string]map[string]pipeline.StageOutput),
		results: make(map[string]pipeline.RunResult),
	}
}

// SaveTask implements store.TaskStore.
func (s *Store) SaveTask(ctx context.Context, rec *store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.ID] = *rec
	return nil
}

// LoadTask implements store.TaskStore.
func (s *Store) LoadTask(ctx context.Context, id string) (*store.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := rec
	return &out, nil
}

// SaveStageOutput implements store.TaskStore.
func (s *Store) SaveStageOutput(ctx context.Context, taskID, stage string, out pipeline.StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.stages[taskID]
	if !ok {
		m = make(map[string]pipeline.StageOutput)
		s.stages[taskID] = m
	}
	m[stage] = out
	return nil
}

// SaveResult implements store.TaskStore.
func (s *Store) SaveResult(ctx context.Context, taskID string, res *pipeline.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[taskID] = *res
	return nil
}

// StageOutputs returns a copy of the outputs recorded for taskID.
func (s *Store) StageOutputs(taskID string) map[string]pipeline.StageOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]pipeline.StageOutput, len(s.stages[taskID]))
	for k, v := range s.stages[taskID] {
		out[k] = v
	}
	return out
}

// Result returns the durable result for taskID, if one was written.
func (s *Store) Result(taskID string) (pipeline.RunResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[taskID]
	return res, ok
}

// Delete removes every trace of taskID. Used by retention sweeps.
func (s *Store) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	delete(s.stages, taskID)
	delete(s.results, taskID)
}

var _ store.TaskStore = (*Store)(nil)
