package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls pass through and outcomes are recorded.
	StateClosed State = iota
	// StateOpen means calls are rejected until the open timeout elapses.
	StateOpen
	// StateHalfOpen means a limited number of trial calls are let through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome classifies a finished call for the breaker.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeIgnored is neither: the call is not recorded and, when half
	// open, its trial slot is returned.
	OutcomeIgnored
)

// CircuitBreakerConfig configures a count-based sliding window breaker.
type CircuitBreakerConfig struct {
	// WindowSize is how many recent calls the failure ratio is computed over.
	// Default: 10
	WindowSize int

	// MinimumCalls must be recorded before the breaker may open.
	// Default: 5
	MinimumCalls int

	// FailureRatio at or above which the breaker opens.
	// Default: 0.5
	FailureRatio float64

	// OpenTimeout is how long the breaker stays open before half-opening.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// HalfOpenCalls is how many trial calls are admitted when half open;
	// that many successes close the breaker.
	// Default: 3
	HalfOpenCalls int

	// Classify maps a call's error onto an outcome.
	// Default: nil is success, anything else a failure.
	Classify func(err error) Outcome

	// OnStateChange is called, under the breaker's lock, on every transition.
	OnStateChange func(from, to State)

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// CircuitBreaker stops calling a failing backend for a cooldown period.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	window     *slidingWindow
	openedAt   time.Time
	generation uint64 // bumped on every transition; stale outcomes are dropped
	admitted   int    // trial calls let through while half open
	succeeded  int    // trial calls that succeeded while half open
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.WindowSize <= 0 {
		config.WindowSize = 10
	}
	if config.MinimumCalls <= 0 {
		config.MinimumCalls = 5
	}
	if config.FailureRatio <= 0 || config.FailureRatio > 1 {
		config.FailureRatio = 0.5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenCalls <= 0 {
		config.HalfOpenCalls = 3
	}
	if config.Classify == nil {
		config.Classify = func(err error) Outcome {
			if err != nil {
				return OutcomeFailure
			}
			return OutcomeSuccess
		}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		window: newSlidingWindow(config.WindowSize),
	}
}

// Execute runs op if the breaker admits it and records the outcome.
// It returns ErrCircuitOpen without calling op when the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	gen, err := cb.acquire()
	if err != nil {
		return err
	}
	err = op(ctx)
	cb.record(gen, cb.config.Classify(err))
	return err
}

// State returns the current state, half-opening an expired open breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// FailureRatio returns the failure ratio of the current window.
func (cb *CircuitBreaker) FailureRatio() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.window.failureRatio()
}

// Reset closes the breaker and clears its window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

func (cb *CircuitBreaker) acquire() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.admitted >= cb.config.HalfOpenCalls {
			return 0, ErrCircuitOpen
		}
		cb.admitted++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) record(gen uint64, outcome Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}

	switch cb.state {
	case StateClosed:
		if outcome == OutcomeIgnored {
			return
		}
		cb.window.record(outcome == OutcomeFailure)
		if cb.window.count >= cb.config.MinimumCalls && cb.window.failureRatio() >= cb.config.FailureRatio {
			cb.logger.Warn("circuit breaker opening",
				zap.Float64("failure_ratio", cb.window.failureRatio()),
				zap.Int("calls", cb.window.count))
			cb.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		switch outcome {
		case OutcomeFailure:
			cb.logger.Warn("circuit breaker trial call failed, reopening")
			cb.transitionLocked(StateOpen)
		case OutcomeSuccess:
			cb.succeeded++
			if cb.succeeded >= cb.config.HalfOpenCalls {
				cb.logger.Info("circuit breaker closing after successful trial calls")
				cb.transitionLocked(StateClosed)
			}
		case OutcomeIgnored:
			cb.admitted--
		}
	}
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && !cb.config.Clock().Before(cb.openedAt.Add(cb.config.OpenTimeout)) {
		cb.logger.Info("circuit breaker half-open, admitting trial calls",
			zap.Int("trial_calls", cb.config.HalfOpenCalls))
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.admitted, cb.succeeded = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.config.Clock()
	case StateClosed:
		cb.window.reset()
	}
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}
