package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
)

// RetryConfig configures retries of transient failures.
type RetryConfig struct {
	// MaxAttempts including the first call.
	// Default: 3
	MaxAttempts int

	// InitialInterval before the second attempt.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps the backoff between attempts.
	// Default: 10 seconds
	MaxInterval time.Duration

	// Multiplier grows the interval after each attempt.
	// Default: 2
	Multiplier float64

	// AttemptTimeout bounds each attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration

	// MaxElapsed bounds all attempts and backoff. Zero keeps the backoff
	// package default of 15 minutes; the context usually ends sooner.
	MaxElapsed time.Duration
}

// Retry re-runs an operation on transient failure with exponential backoff.
// Rejections (backend.IsRejection) and caller cancellation are not retried.
type Retry struct {
	config RetryConfig
	logger *zap.Logger
}

// NewRetry creates a Retry.
func NewRetry(config RetryConfig, logger *zap.Logger) *Retry {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = 500 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 10 * time.Second
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retry{config: config, logger: logger}
}

// Do runs op until it succeeds, fails permanently, or attempts run out,
// returning the last error.
func Do[T any](ctx context.Context, r *Retry, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.Multiplier = r.config.Multiplier

	attempt := 0
	operation := func() (T, error) {
		attempt++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.config.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.config.AttemptTimeout)
		}
		defer cancel()

		res, err := op(attemptCtx)
		if err == nil {
			return res, nil
		}
		switch {
		case ctx.Err() != nil:
			// The caller's context is done; nothing more to try.
			return res, backoff.Permanent(err)
		case backend.IsRejection(err):
			return res, backoff.Permanent(err)
		case errors.Is(err, context.DeadlineExceeded) && attemptCtx.Err() != nil:
			return res, fmt.Errorf("attempt %d after %s: %w: %w", attempt, r.config.AttemptTimeout, ErrAttemptTimeout, err)
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.config.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug("retrying backend call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	}
	if r.config.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.config.MaxElapsed))
	}
	return backoff.Retry(ctx, operation, opts...)
}
