package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/config"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// Call is one backend invocation guarded by the envelope.
type Call func(ctx context.Context) (models.Completion, error)

// Result is what the envelope reports for a call. Status is always set;
// Err is nil only for StatusSuccess.
type Result struct {
	Completion models.Completion
	Status     models.Status
	Err        error
}

// Envelope composes the rate limiter, circuit breaker and retry in that
// order. Nil policies are skipped.
type Envelope struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   *Retry
	timeout time.Duration
	logger  *zap.Logger

	// denials throttles the rate-limited warning.
	denials rate.Sometimes
}

// EnvelopeOption configures an Envelope.
type EnvelopeOption func(*Envelope)

// WithRateLimiter sets the rate limiter.
func WithRateLimiter(rl *RateLimiter) EnvelopeOption {
	return func(e *Envelope) { e.limiter = rl }
}

// WithCircuitBreaker sets the circuit breaker.
func WithCircuitBreaker(cb *CircuitBreaker) EnvelopeOption {
	return func(e *Envelope) { e.breaker = cb }
}

// WithRetry sets the retry policy.
func WithRetry(r *Retry) EnvelopeOption {
	return func(e *Envelope) { e.retry = r }
}

// WithTimeout bounds each call end to end, retries included.
func WithTimeout(d time.Duration) EnvelopeOption {
	return func(e *Envelope) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) EnvelopeOption {
	return func(e *Envelope) { e.logger = logger }
}

// NewEnvelope creates an envelope from options.
func NewEnvelope(opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		logger:  zap.NewNop(),
		denials: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromConfig builds the envelope described by cfg. clock may be nil.
func FromConfig(cfg config.ResilienceConfig, clock func() time.Time, logger *zap.Logger) *Envelope {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "resilience"))

	opts := []EnvelopeOption{
		WithLogger(logger),
		WithTimeout(cfg.Timeout),
		WithRetry(NewRetry(RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			AttemptTimeout:  cfg.AttemptTimeout,
		}, logger)),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, WithRateLimiter(NewRateLimiter(RateLimiterConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
			Clock:    clock,
		})))
	}
	if cfg.CircuitBreaker.Enabled {
		cb := cfg.CircuitBreaker
		opts = append(opts, WithCircuitBreaker(NewCircuitBreaker(CircuitBreakerConfig{
			WindowSize:    cb.WindowSize,
			MinimumCalls:  cb.MinimumCalls,
			FailureRatio:  cb.FailureRatio,
			OpenTimeout:   cb.OpenTimeout,
			HalfOpenCalls: cb.HalfOpenCalls,
			Classify:      ClassifyBackendError,
			Clock:         clock,
			OnStateChange: func(from, to State) {
				logger.Warn("circuit breaker state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}, logger)))
	}
	return NewEnvelope(opts...)
}

// ClassifyBackendError counts transient failures against the breaker.
// Rejections are the backend working as intended and caller cancellation
// says nothing about backend health.
func ClassifyBackendError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case backend.IsRejection(err), errors.Is(err, context.Canceled):
		return OutcomeIgnored
	default:
		return OutcomeFailure
	}
}

// Breaker returns the circuit breaker, or nil when disabled.
func (e *Envelope) Breaker() *CircuitBreaker {
	return e.breaker
}

// Execute runs call for caller through the pipeline and maps how it ended
// onto a status: RATE_LIMITED, SERVICE_UNAVAILABLE, SUCCESS, FAILED for
// rejections, or ERROR.
func (e *Envelope) Execute(ctx context.Context, caller string, call Call) Result {
	if e.limiter != nil && !e.limiter.Allow(caller) {
		e.denials.Do(func() {
			e.logger.Warn("caller rate limited", zap.String("caller", caller))
		})
		return Result{Status: models.StatusRateLimited, Err: ErrRateLimited}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	guarded := func(ctx context.Context) (models.Completion, error) {
		c, err := call(ctx)
		if err != nil {
			return c, err
		}
		if c.Status != "" && c.Status != models.StatusSuccess {
			// A completion that reports failure is the backend refusing.
			msg := c.ErrorMessage
			if msg == "" {
				msg = "no detail"
			}
			return c, backend.Reject(fmt.Errorf("backend status %s: %s", c.Status, msg))
		}
		return c, nil
	}

	var completion models.Completion
	run := func(ctx context.Context) error {
		var err error
		if e.retry != nil {
			completion, err = Do(ctx, e.retry, guarded)
		} else {
			completion, err = guarded(ctx)
		}
		return err
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(ctx, run)
	} else {
		err = run(ctx)
	}

	switch {
	case err == nil:
		completion.Status = models.StatusSuccess
		return Result{Completion: completion, Status: models.StatusSuccess}
	case errors.Is(err, ErrCircuitOpen):
		return Result{Status: models.StatusServiceUnavailable, Err: err}
	case backend.IsRejection(err):
		return Result{Status: models.StatusFailed, Err: err}
	default:
		return Result{Status: models.StatusError, Err: err}
	}
}
