// Package redis implements cache.Store on Redis. Each entry is a hash; a
// sorted set scored by expiration drives validity counts and purges, so
// expiry stays lazy and reclamation stays explicit.
//
// The purge script deletes entry keys it derives from the expiry index, so
// the store needs a single Redis node; Redis Cluster is not supported.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/cache"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "masterchef:cache:"

var insertScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'response', ARGV[1], 'model', ARGV[2], 'tokens_used', ARGV[3], 'created_at', ARGV[4], 'expires_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
return 1
`)

var purgeScript = goredis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(members) do
	redis.call('DEL', ARGV[2] .. m)
end
if #members > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return #members
`)

// Store is a cache.Store backed by Redis.
type Store struct {
	client *goredis.Client
	prefix string
	now    cache.Clock
	logger *zap.Logger
}

var _ cache.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the time source used for expiry.
func WithClock(now cache.Clock) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps client. Close closes it.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to a single Redis server and verifies it answers.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

func (s *Store) entryKey(fingerprint string) string { return s.prefix + fingerprint }
func (s *Store) indexKey() string                   { return s.prefix + "expiry" }

func (s *Store) nowMillis() int64 { return s.now().UTC().UnixMilli() }

// Lookup returns the entry for fingerprint if it has not expired.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(fingerprint)).Result()
	if err != nil {
		return nil, false, cache.Wrap("lookup", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, false, cache.Wrap("lookup", fmt.Errorf("corrupt expires_at for %s: %w", fingerprint, err))
	}
	if expires <= s.nowMillis() {
		return nil, false, nil
	}
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	tokens, _ := strconv.Atoi(fields["tokens_used"])

	return &models.CacheEntry{
		Fingerprint: fingerprint,
		Response:    fields["response"],
		Model:       fields["model"],
		TokensUsed:  tokens,
		CreatedAt:   time.UnixMilli(created).UTC(),
		ExpiresAt:   time.UnixMilli(expires).UTC(),
	}, true, nil
}

// Insert stores the entry unless one already exists for its fingerprint.
func (s *Store) Insert(ctx context.Context, entry cache.NewEntry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}
	created, expires := entry.Expiry(s.now())

	n, err := insertScript.Run(ctx, s.client,
		[]string{s.entryKey(entry.Fingerprint), s.indexKey()},
		entry.Response, entry.Model, entry.TokensUsed,
		created.UnixMilli(), expires.UnixMilli(), entry.Fingerprint,
	).Int64()
	if err != nil {
		return false, cache.Wrap("insert", err)
	}
	if n == 0 {
		s.logger.Debug("cache entry already present", zap.String("fingerprint", entry.Fingerprint))
	}
	return n == 1, nil
}

// PurgeExpired deletes every entry whose expiration is at or before now.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := purgeScript.Run(ctx, s.client, []string{s.indexKey()}, s.nowMillis(), s.prefix).Int64()
	if err != nil {
		return 0, cache.Wrap("purge", err)
	}
	return n, nil
}

// Stats returns the number of valid and total entries.
func (s *Store) Stats(ctx context.Context) (valid, total int64, err error) {
	pipe := s.client.Pipeline()
	totalCmd := pipe.ZCard(ctx, s.indexKey())
	validCmd := pipe.ZCount(ctx, s.indexKey(), "("+strconv.FormatInt(s.nowMillis(), 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, cache.Wrap("stats", err)
	}
	return validCmd.Val(), totalCmd.Val(), nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
