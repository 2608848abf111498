package gen

import (
	"errors"
	"fmt"
	"time"
)

// TransportError marks a call that never produced a usable response: network
// failure, timeout, or a 5xx from the provider. Retryable.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a *TransportError.
func Transport(err error) error { return &TransportError{Err: err} }

// RateLimitError marks a call refused for pacing reasons (HTTP 429 or a
// provider-specific equivalent). Retryable. RetryAfter is the provider's
// wait hint; zero means no hint was supplied.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}
func (e *RateLimitError) Unwrap() error { return e.Err }

// RateLimited wraps err as a *RateLimitError with the given wait hint
// (0 = none).
func RateLimited(retryAfter time.Duration, err error) error {
	return &RateLimitError{RetryAfter: retryAfter, Err: err}
}

// ValidationError marks a call whose request was rejected outright: auth
// failure, malformed payload, or any other 4xx. Never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid request (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid request: %s", e.Reason)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a *ValidationError with a reason and optional cause.
func Invalid(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

// IsRetryable reports whether err is a transient call failure (transport or
// rate limit). Validation errors and anything unclassified are not retryable.
func IsRetryable(err error) bool {
	return errors.As(err, new(*TransportError)) || errors.As(err, new(*RateLimitError))
}

// WaitHint returns the provider-supplied wait duration if err carries one
// (a *RateLimitError with RetryAfter set).
func WaitHint(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
