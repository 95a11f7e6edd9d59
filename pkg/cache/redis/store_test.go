package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpat9/MasterChef-Claude/pkg/cache"
	"github.com/rpat9/MasterChef-Claude/pkg/cache/cachetest"
)

func setupTestStore(t *testing.T, clock cache.Clock, opts ...Option) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := New(client, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestStoreContract(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clock cache.Clock) cache.Store {
		_, s := setupTestStore(t, clock)
		return s
	})
}

func TestKeyLayout(t *testing.T) {
	clock := cachetest.NewClock()
	mr, s := setupTestStore(t, clock.Now, WithKeyPrefix("test:"))

	_, err := s.Insert(context.Background(), cache.NewEntry{
		Fingerprint: "abc", Response: "toast", Model: "mistral", TokensUsed: 7, TTL: time.Hour,
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:abc"))
	assert.Equal(t, "toast", mr.HGet("test:abc", "response"))
	assert.Equal(t, "mistral", mr.HGet("test:abc", "model"))

	score, err := mr.ZScore("test:expiry", "abc")
	require.NoError(t, err)
	assert.Equal(t, float64(clock.Now().Add(time.Hour).UnixMilli()), score)

	// No native TTL: expiry is enforced by the store, not by Redis eviction.
	assert.Zero(t, mr.TTL("test:abc"))
}

func TestPurgeRemovesHashes(t *testing.T) {
	clock := cachetest.NewClock()
	mr, s := setupTestStore(t, clock.Now)
	ctx := context.Background()

	_, err := s.Insert(ctx, cache.NewEntry{Fingerprint: "old", Response: "r", Model: "m", TTL: time.Minute})
	require.NoError(t, err)
	_, err = s.Insert(ctx, cache.NewEntry{Fingerprint: "new", Response: "r", Model: "m", TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.False(t, mr.Exists(DefaultKeyPrefix+"old"))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"new"))
}

func TestPurgeUsesKeyPrefix(t *testing.T) {
	clock := cachetest.NewClock()
	mr, s := setupTestStore(t, clock.Now, WithKeyPrefix("tenant-a:"))
	ctx := context.Background()

	_, err := s.Insert(ctx, cache.NewEntry{Fingerprint: "old", Response: "r", Model: "m", TTL: time.Minute})
	require.NoError(t, err)
	mr.HSet(DefaultKeyPrefix+"old", "response", "other tenant")

	clock.Advance(2 * time.Minute)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.False(t, mr.Exists("tenant-a:old"))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"old"))
}

func TestUnavailableRedisReturnsStoreError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := New(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	defer s.Close()
	mr.Close()

	_, _, err = s.Lookup(context.Background(), "fp")
	var storeErr *cache.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "lookup", storeErr.Op)
}
