package resilience

import (
	"sync"
	"time"
)

// AnonymousCaller is the quota key for calls without a caller ID.
const AnonymousCaller = "anonymous"

// RateLimiterConfig allows Requests calls per Window for each caller.
type RateLimiterConfig struct {
	// Requests is the quota per window.
	// Default: 10
	Requests int

	// Window over which Requests are allowed.
	// Default: 1 minute
	Window time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// RateLimiter keeps a sliding window of call times per caller. A call is
// allowed when fewer than Requests calls were allowed in the preceding
// Window, so no span of length Window ever admits more than Requests.
type RateLimiter struct {
	config RateLimiterConfig

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	// calls holds allowed call times, oldest first.
	calls []time.Time
}

// NewRateLimiter creates a per-caller rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Requests <= 0 {
		config.Requests = 10
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &RateLimiter{
		config:    config,
		visitors:  make(map[string]*visitor),
		lastSweep: config.Clock(),
	}
}

// Allow consumes one call from caller's quota, reporting whether it was
// available.
func (rl *RateLimiter) Allow(caller string) bool {
	if caller == "" {
		caller = AnonymousCaller
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.config.Clock()
	rl.sweepLocked(now)
	v, ok := rl.visitors[caller]
	if !ok {
		v = &visitor{calls: make([]time.Time, 0, rl.config.Requests)}
		rl.visitors[caller] = v
	}
	v.expire(now.Add(-rl.config.Window))
	if len(v.calls) >= rl.config.Requests {
		return false
	}
	v.calls = append(v.calls, now)
	return true
}

// Remaining reports how many calls caller may still make right now.
func (rl *RateLimiter) Remaining(caller string) int {
	if caller == "" {
		caller = AnonymousCaller
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[caller]
	if !ok {
		return rl.config.Requests
	}
	v.expire(rl.config.Clock().Add(-rl.config.Window))
	return rl.config.Requests - len(v.calls)
}

// expire drops calls at or before cutoff.
func (v *visitor) expire(cutoff time.Time) {
	i := 0
	for i < len(v.calls) && !v.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		v.calls = append(v.calls[:0], v.calls[i:]...)
	}
}

// sweepLocked forgets callers whose newest call has left the window. An
// empty window is equivalent to a fresh caller.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.config.Window {
		return
	}
	cutoff := now.Add(-rl.config.Window)
	for key, v := range rl.visitors {
		if len(v.calls) == 0 || !v.calls[len(v.calls)-1].After(cutoff) {
			delete(rl.visitors, key)
		}
	}
	rl.lastSweep = now
}

// Callers returns how many callers are currently tracked.
func (rl *RateLimiter) Callers() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
