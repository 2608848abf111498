// Package step executes exactly one external generation call per invocation,
// applying the cross-cutting policy every stage needs: circuit-breaker gating,
// bounded timeout, retry with exponential backoff and jitter, and
// structured-output decoding.
//
// Errors surface in three kinds so callers can decide what to do next:
//
//   - *TransientError: the call kept failing for retryable reasons (transport,
//     rate limit) and either the context ended or attempts ran out
//     (Exhausted is then true).
//   - *PermanentError: the request or its decoded output was invalid. Never
//     retried, never counted against the circuit breaker.
//   - *BreakerOpenError: the dependency's circuit is open; no call was made.
//     RetryIn says how long until the breaker half-opens.
//
// Classify maps any error (these kinds or otherwise) to a Category for status
// reporting.
//
// The breaker state in a BreakerSet is the only state shared across concurrent
// workers; everything else an Executor touches is per-call.
package step
