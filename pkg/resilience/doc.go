// Package resilience wraps backend calls in a fixed pipeline:
//
//	rate limiter -> circuit breaker -> retry -> per-attempt timeout
//
// Each layer that stops a call reports a distinct error (ErrRateLimited,
// ErrCircuitOpen, or the last attempt's error) and the Envelope maps it onto
// a generation status. Shared state in the limiter and breaker is guarded by
// a mutex; every decision and update happens under it.
package resilience
