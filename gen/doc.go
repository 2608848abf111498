// Package gen defines the contract for the external text-generation service:
// an opaque structured request in, an opaque structured response (or a
// classifiable error) out. The engine never assumes anything about a
// provider's schema beyond this contract, so any backend that can implement
// Caller plugs in: the bundled HTTPCaller, a provider SDK adapter, or a
// scripted fake in tests.
//
// Errors returned by a Caller must be classifiable into exactly one of three
// kinds so the step executor can decide whether to retry:
//
//   - *TransportError: the call never produced a usable response (network,
//     timeout, 5xx). Retryable.
//   - *RateLimitError: the provider refused the call for pacing reasons
//     (429). Retryable; RetryAfter carries the provider's wait hint when one
//     was supplied.
//   - *ValidationError: the request itself was rejected (auth, malformed
//     payload, other 4xx). Never retried.
//
// Use Transport, RateLimited, and Invalid to build these, and IsRetryable /
// WaitHint to inspect an error without caring which concrete kind it is.
package gen
