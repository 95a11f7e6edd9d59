package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		WindowSize:    10,
		MinimumCalls:  4,
		FailureRatio:  0.5,
		OpenTimeout:   30 * time.Second,
		HalfOpenCalls: 2,
		Clock:         clock.Now,
	}, nil)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{}, nil)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 10, cb.config.WindowSize)
	assert.Equal(t, 5, cb.config.MinimumCalls)
	assert.Equal(t, 0.5, cb.config.FailureRatio)
	assert.Equal(t, 30*time.Second, cb.config.OpenTimeout)
	assert.Equal(t, 3, cb.config.HalfOpenCalls)
}

func TestCircuitBreaker_StaysClosedBelowMinimumCalls(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1.0, cb.FailureRatio())
}

func TestCircuitBreaker_OpensAtFailureRatio(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())

	// Fourth call: 2 of 4 failed, ratio 0.5 meets the threshold.
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not call through")
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Two trial successes close it.
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.FailureRatio(), "closing clears the window")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	// The cooldown restarts from the reopen.
	clock.Advance(15 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(ctx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both trial slots are taken.
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoredOutcomes(t *testing.T) {
	errIgnored := errors.New("bad request")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MinimumCalls: 2,
		Classify: func(err error) Outcome {
			if errors.Is(err, errIgnored) {
				return OutcomeIgnored
			}
			if err != nil {
				return OutcomeFailure
			}
			return OutcomeSuccess
		},
	}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return errIgnored })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.FailureRatio())
}

func TestCircuitBreaker_StaleOutcomeDropped(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	// A slow call admitted while closed...
	gen, err := cb.acquire()
	require.NoError(t, err)

	// ...finishes after the breaker opened and half-opened.
	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.record(gen, OutcomeFailure)
	assert.Equal(t, StateHalfOpen, cb.State(), "outcome from an earlier state must not count")
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MinimumCalls:  1,
		HalfOpenCalls: 1,
		OpenTimeout:   time.Second,
		Clock:         clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, succeed)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestCircuitBreaker_ConcurrentRecording(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		WindowSize:   100,
		MinimumCalls: 100,
		FailureRatio: 1,
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), fail)
		}()
	}
	wg.Wait()

	// Every one of the 100 failures was counted, so the breaker opened.
	assert.Equal(t, StateOpen, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
