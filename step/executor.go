package step

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dcshock/genpipe/gen"
)

// Policy configures the retry behavior for transient failures.
type Policy struct {
	// MaxAttempts is the per-category attempt cap (first call included).
	// <= 0 defaults to 3.
	MaxAttempts int
	// Initial is the backoff before the second attempt. <= 0 defaults to 500ms.
	Initial time.Duration
	// Multiplier grows the backoff per attempt. < 1 defaults to 2.
	Multiplier float64
	// Cap bounds the base backoff. <= 0 defaults to 30s.
	Cap time.Duration
	// Jitter in [0, 1] adds up to Jitter*delay of random extra wait. The base
	// delay stays non-decreasing; jitter only ever adds.
	Jitter float64
	// RetryValidation opts decode failures into the retry loop. Off by
	// default: a response that does not decode is a permanent error.
	RetryValidation bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	return p
}

// DecodeFunc parses a provider response into the stage's expected structured
// output. A decode failure is a permanent error unless Policy.RetryValidation
// is set.
type DecodeFunc func(*gen.Response) (any, error)

// Result is the outcome of a successful Do.
type Result struct {
	Response *gen.Response
	// Output is the decoded structured output (nil when no DecodeFunc was
	// given).
	Output   any
	Attempts int
	Duration time.Duration
}

// Executor wraps a generation Caller with retry, circuit breaking, and per-call
// timeout. The zero value is not usable; set at least Caller.
type Executor struct {
	Caller   gen.Caller
	Breakers *BreakerSet
	Policy   Policy
	// Timeout bounds each individual call attempt. Zero means no per-attempt
	// deadline beyond the caller's context.
	Timeout time.Duration
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(dep string, attempt int, delay time.Duration)
	// Sleep replaces the backoff wait; nil means a timer honoring ctx. Tests
	// inject a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand replaces the jitter source; nil means math/rand.
	Rand func() float64
}

// Do issues one external call against dep with the executor's policy applied:
// breaker gate, bounded attempt, classify, back off, retry. decode may be nil
// to skip structured-output parsing.
func (e *Executor) Do(ctx context.Context, dep string, req gen.Request, decode DecodeFunc) (*Result, error) {
	pol := e.Policy.withDefaults()
	start := time.Now()
	var lastErr error
	lastDecode := false
	for attempt := 1; ; attempt++ {
		if e.Breakers != nil {
			if ok, retryIn := e.Breakers.Allow(dep); !ok {
				return nil, &BreakerOpenError{Dep: dep, RetryIn: retryIn}
			}
		}
		resp, err := e.call(ctx, req)
		switch {
		case err == nil:
			if e.Breakers != nil {
				e.Breakers.Success(dep)
			}
			if decode == nil {
				return &Result{Response: resp, Attempts: attempt, Duration: time.Since(start)}, nil
			}
			out, decErr := decode(resp)
			if decErr == nil {
				return &Result{Response: resp, Output: out, Attempts: attempt, Duration: time.Since(start)}, nil
			}
			if !pol.RetryValidation {
				return nil, &PermanentError{Dep: dep, Err: fmt.Errorf("decode output: %w", decErr)}
			}
			// Opted in: decode failures retry, but never count against the
			// breaker.
			lastErr, lastDecode = decErr, true
		case retryable(err):
			if e.Breakers != nil {
				e.Breakers.Failure(dep)
			}
			lastErr, lastDecode = err, false
		default:
			return nil, &PermanentError{Dep: dep, Err: err}
		}

		if attempt >= pol.MaxAttempts {
			if lastDecode {
				return nil, &PermanentError{Dep: dep, Err: fmt.Errorf("decode output after %d attempts: %w", attempt, lastErr)}
			}
			return nil, &TransientError{Dep: dep, Attempts: attempt, Exhausted: true, Err: lastErr}
		}
		delay := e.backoff(pol, attempt)
		if hint, ok := gen.WaitHint(lastErr); ok && hint > delay {
			delay = hint
		}
		if e.OnRetry != nil {
			e.OnRetry(dep, attempt, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, &TransientError{Dep: dep, Attempts: attempt, Err: fmt.Errorf("%w (last failure: %v)", err, lastErr)}
		}
	}
}

// call issues one attempt with the per-attempt timeout applied.
func (e *Executor) call(ctx context.Context, req gen.Request) (*gen.Response, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	return e.Caller.Call(ctx, req)
}

// retryable treats classified transient errors and a bare deadline from the
// per-attempt timeout as retryable; everything else is permanent.
func retryable(err error) bool {
	return gen.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// backoff computes the base delay for attempt (1-based) plus upward-only
// jitter, so successive delays never decrease.
func (e *Executor) backoff(pol Policy, attempt int) time.Duration {
	base := float64(pol.Initial)
	for i := 1; i < attempt; i++ {
		base *= pol.Multiplier
		if base >= float64(pol.Cap) {
			base = float64(pol.Cap)
			break
		}
	}
	d := time.Duration(base)
	if pol.Jitter > 0 {
		r := e.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * pol.Jitter * base)
	}
	return d
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
