package config

import (
	"fmt"
	"sync"

	"github.com/dcshock/genpipe/pipeline"
)

// Factory builds a pipeline stage from its definition.
type Factory func(def StageDef) (pipeline.Stage, error)

// Registry maps stage type names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given type name. Overwrites any existing
// registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = f
}

// Get returns the factory for name, or nil and false if not found.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// MustGet returns the factory for name, or panics if not found.
func (r *Registry) MustGet(name string) Factory {
	f, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("config: stage type %q not registered", name))
	}
	return f
}

// Names returns all registered type names (unordered).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// DefaultRegistry returns a registry with the built-in stage types
// "generate" and "evaluate".
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("generate", generateFactory)
	r.Register("evaluate", evaluateFactory)
	return r
}
