// Package cachetest holds the behavioural suite every cache.Store must pass.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rpat9/MasterChef-Claude/pkg/cache"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)}
}

// Now implements cache.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store reading time from clock.
type Factory func(t *testing.T, clock cache.Clock) cache.Store

// Run exercises the cache.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LookupMissing", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		entry, ok, err := s.Lookup(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, entry)
	})

	t.Run("InsertThenLookup", func(t *testing.T) {
		clock := NewClock()
		s := newStore(t, clock.Now)
		ctx := context.Background()

		created, err := s.Insert(ctx, cache.NewEntry{
			Fingerprint: "fp1", Response: "pancakes", Model: "mistral", TokensUsed: 42, TTL: time.Hour,
		})
		require.NoError(t, err)
		assert.True(t, created)

		entry, ok, err := s.Lookup(ctx, "fp1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "fp1", entry.Fingerprint)
		assert.Equal(t, "pancakes", entry.Response)
		assert.Equal(t, "mistral", entry.Model)
		assert.Equal(t, 42, entry.TokensUsed)
		assert.True(t, entry.CreatedAt.Equal(clock.Now()), "created %v, want %v", entry.CreatedAt, clock.Now())
		assert.True(t, entry.ExpiresAt.Equal(clock.Now().Add(time.Hour)))
	})

	t.Run("FirstWriterWins", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		ctx := context.Background()

		created, err := s.Insert(ctx, cache.NewEntry{Fingerprint: "fp", Response: "first", Model: "m", TTL: time.Hour})
		require.NoError(t, err)
		require.True(t, created)

		created, err = s.Insert(ctx, cache.NewEntry{Fingerprint: "fp", Response: "second", Model: "m", TTL: 2 * time.Hour})
		require.NoError(t, err)
		assert.False(t, created)

		entry, ok, err := s.Lookup(ctx, "fp")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "first", entry.Response)
	})

	t.Run("ZeroTTLIsImmediatelyAbsent", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		ctx := context.Background()

		_, err := s.Insert(ctx, cache.NewEntry{Fingerprint: "fp", Response: "r", Model: "m", TTL: 0})
		require.NoError(t, err)

		_, ok, err := s.Lookup(ctx, "fp")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("NegativeTTLRejected", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		_, err := s.Insert(context.Background(), cache.NewEntry{Fingerprint: "fp", TTL: -time.Minute})
		assert.ErrorIs(t, err, cache.ErrInvalidTTL)
	})

	t.Run("LazyExpiry", func(t *testing.T) {
		clock := NewClock()
		s := newStore(t, clock.Now)
		ctx := context.Background()

		_, err := s.Insert(ctx, cache.NewEntry{Fingerprint: "fp", Response: "r", Model: "m", TTL: time.Minute})
		require.NoError(t, err)

		clock.Advance(time.Minute - time.Millisecond)
		_, ok, err := s.Lookup(ctx, "fp")
		require.NoError(t, err)
		assert.True(t, ok, "entry should be valid before ttl elapses")

		clock.Advance(time.Millisecond)
		_, ok, err = s.Lookup(ctx, "fp")
		require.NoError(t, err)
		assert.False(t, ok, "entry should be absent once ttl elapses")

		// Lookup never deletes.
		_, total, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
	})

	t.Run("ExpiredEntryStillBlocksInsertUntilPurged", func(t *testing.T) {
		clock := NewClock()
		s := newStore(t, clock.Now)
		ctx := context.Background()

		_, err := s.Insert(ctx, cache.NewEntry{Fingerprint: "fp", Response: "old", Model: "m", TTL: time.Second})
		require.NoError(t, err)
		clock.Advance(time.Hour)

		created, err := s.Insert(ctx, cache.NewEntry{Fingerprint: "fp", Response: "new", Model: "m", TTL: time.Hour})
		require.NoError(t, err)
		assert.False(t, created)

		n, err := s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		created, err = s.Insert(ctx, cache.NewEntry{Fingerprint: "fp", Response: "new", Model: "m", TTL: time.Hour})
		require.NoError(t, err)
		assert.True(t, created)
		entry, ok, err := s.Lookup(ctx, "fp")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", entry.Response)
	})

	t.Run("PurgeExpiredAndStats", func(t *testing.T) {
		clock := NewClock()
		s := newStore(t, clock.Now)
		ctx := context.Background()

		for i, ttl := range []time.Duration{time.Minute, time.Minute, time.Hour, 0} {
			_, err := s.Insert(ctx, cache.NewEntry{
				Fingerprint: fmt.Sprintf("fp%d", i), Response: "r", Model: "m", TTL: ttl,
			})
			require.NoError(t, err)
		}

		valid, total, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, valid)
		assert.EqualValues(t, 4, total)

		// Expiration exactly at now counts as expired.
		clock.Advance(time.Minute)
		valid, total, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, valid)
		assert.EqualValues(t, 4, total)

		n, err := s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		valid, total, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, valid)
		assert.EqualValues(t, 1, total)

		_, ok, err := s.Lookup(ctx, "fp2")
		require.NoError(t, err)
		assert.True(t, ok)

		n, err = s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ConcurrentInsertSameFingerprint", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		ctx := context.Background()

		const writers = 16
		var mu sync.Mutex
		winners := 0

		var g errgroup.Group
		for i := 0; i < writers; i++ {
			i := i
			g.Go(func() error {
				created, err := s.Insert(ctx, cache.NewEntry{
					Fingerprint: "shared", Response: fmt.Sprintf("writer-%d", i), Model: "m", TTL: time.Hour,
				})
				if err != nil {
					return err
				}
				if created {
					mu.Lock()
					winners++
					mu.Unlock()
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 1, winners)

		_, total, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)

		entry, ok, err := s.Lookup(ctx, "shared")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Regexp(t, `^writer-\d+$`, entry.Response)
	})
}
