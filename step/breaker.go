package step

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for one dependency.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is the per-dependency record: consecutive failures, state, and the
// timestamp of the last failure (the cooldown clock).
type breaker struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// BreakerSet tracks one circuit breaker per dependency key. It is the only
// state shared across concurrent workers, so every transition happens under
// one mutex. Transitions are strictly closed → open → half-open → {closed|open}:
// OpenAfter consecutive failures open the circuit, Allow half-opens it once
// Cooldown has elapsed, and a single half-open success closes it while a
// single half-open failure reopens it.
type BreakerSet struct {
	// OpenAfter is the consecutive-failure count that opens a circuit.
	OpenAfter int
	// Cooldown is how long an open circuit stays open before half-opening.
	Cooldown time.Duration
	// Now is the clock; nil means time.Now. Tests inject a fake.
	Now func() time.Time
	// OnStateChange, if set, is called (outside any per-call hot path but
	// under the set's lock) whenever a dependency's state changes.
	OnStateChange func(dep string, state BreakerState)

	mu   sync.Mutex
	deps map[string]*breaker
}

// NewBreakerSet returns a BreakerSet that opens a circuit after openAfter
// consecutive failures and half-opens it cooldown after the last failure.
// openAfter < 1 defaults to 5; cooldown <= 0 defaults to 30s.
func NewBreakerSet(openAfter int, cooldown time.Duration) *BreakerSet {
	if openAfter < 1 {
		openAfter = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerSet{
		OpenAfter: openAfter,
		Cooldown:  cooldown,
		deps:      make(map[string]*breaker),
	}
}

func (s *BreakerSet) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *BreakerSet) get(dep string) *breaker {
	if s.deps == nil {
		s.deps = make(map[string]*breaker)
	}
	b, ok := s.deps[dep]
	if !ok {
		b = &breaker{}
		s.deps[dep] = b
	}
	return b
}

func (s *BreakerSet) setState(dep string, b *breaker, state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	if s.OnStateChange != nil {
		s.OnStateChange(dep, state)
	}
}

// Allow reports whether a call to dep may proceed. When the circuit is open
// and the cooldown has not elapsed, Allow returns false and the remaining
// wait; once the cooldown elapses the circuit half-opens and the call is the
// probe that decides whether it closes again.
func (s *BreakerSet) Allow(dep string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(dep)
	switch b.state {
	case BreakerOpen:
		elapsed := s.now().Sub(b.lastFailure)
		if elapsed < s.Cooldown {
			return false, s.Cooldown - elapsed
		}
		s.setState(dep, b, BreakerHalfOpen)
		return true, 0
	default:
		return true, 0
	}
}

// Success records a successful call: the failure count resets and a half-open
// (or open) circuit closes.
func (s *BreakerSet) Success(dep string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(dep)
	b.failures = 0
	s.setState(dep, b, BreakerClosed)
}

// Failure records a failed call. In the closed state it increments the
// consecutive-failure count and opens the circuit at OpenAfter; in the
// half-open state a single failure reopens the circuit and restarts the
// cooldown.
func (s *BreakerSet) Failure(dep string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(dep)
	b.lastFailure = s.now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= s.OpenAfter {
			s.setState(dep, b, BreakerOpen)
		}
	case BreakerHalfOpen:
		s.setState(dep, b, BreakerOpen)
	case BreakerOpen:
		// Already open; the new failure just restarts the cooldown.
	}
}

// State returns the current circuit state for dep (closed if never seen).
func (s *BreakerSet) State(dep string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.deps[dep]
	if !ok {
		return BreakerClosed
	}
	return b.state
}

// Snapshot returns the state of every tracked dependency.
func (s *BreakerSet) Snapshot() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerState, len(s.deps))
	for dep, b := range s.deps {
		out[dep] = b.state
	}
	return out
}
