package resilience

import "errors"

var (
	// ErrRateLimited is returned when a caller has used up its quota.
	ErrRateLimited = errors.New("resilience: rate limit exceeded")

	// ErrCircuitOpen is returned while the circuit breaker blocks calls.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrAttemptTimeout wraps a single attempt that ran past its timeout.
	ErrAttemptTimeout = errors.New("resilience: attempt timed out")
)
