package step

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an executor error for status reporting and task
// bookkeeping.
type Category string

const (
	// CategoryNone means no error, or an error the executor did not produce.
	CategoryNone Category = ""
	// CategoryTransient covers transport and rate-limit failures, including
	// retry exhaustion.
	CategoryTransient Category = "transient"
	// CategoryPermanent covers validation, parse, and auth failures.
	CategoryPermanent Category = "permanent"
	// CategoryUnavailable means the dependency's circuit breaker was open.
	CategoryUnavailable Category = "unavailable"
)

// TransientError is a retryable failure that the executor gave up on: the
// per-category attempt cap was reached (Exhausted) or the context ended.
type TransientError struct {
	Dep       string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *TransientError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("dependency %q: retries exhausted after %d attempts: %v", e.Dep, e.Attempts, e.Err)
	}
	return fmt.Sprintf("dependency %q: transient failure after %d attempts: %v", e.Dep, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that retrying cannot fix: a rejected request or
// output that did not decode. It never mutates the circuit breaker.
type PermanentError struct {
	Dep string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("dependency %q: permanent failure: %v", e.Dep, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// BreakerOpenError means the dependency's circuit is open and no call was
// attempted. RetryIn is the time until the breaker half-opens (zero when the
// cooldown has already elapsed at another call site).
type BreakerOpenError struct {
	Dep     string
	RetryIn time.Duration
}

func (e *BreakerOpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("dependency %q unavailable: circuit open, retry in %s", e.Dep, e.RetryIn)
	}
	return fmt.Sprintf("dependency %q unavailable: circuit open", e.Dep)
}

// Classify maps err to its Category. Errors the executor did not produce
// classify as CategoryPermanent (an unknown failure should not be retried).
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	if errors.As(err, new(*BreakerOpenError)) {
		return CategoryUnavailable
	}
	if errors.As(err, new(*TransientError)) {
		return CategoryTransient
	}
	return CategoryPermanent
}
