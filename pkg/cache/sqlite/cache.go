package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rpat9/MasterChef-Claude/pkg/cache"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// Store is a cache.Store backed by a single SQLite file.
type Store struct {
	db     *sql.DB
	now    cache.Clock
	logger *zap.Logger
}

var _ cache.Store = (*Store)(nil)

// Timestamps are unix milliseconds so comparisons stay in SQL.
const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at);
`

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now cache.Clock) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens (or creates) the cache database at dbPath.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One writer keeps insert-if-absent free of SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	s := &Store{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

// Lookup returns the entry for fingerprint if it has not expired.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, bool, error) {
	var (
		e                  models.CacheEntry
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, response, model, tokens_used, created_at, expires_at
		 FROM cache_entries WHERE fingerprint = ? AND expires_at > ?`,
		fingerprint, s.nowMillis(),
	).Scan(&e.Fingerprint, &e.Response, &e.Model, &e.TokensUsed, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.Wrap("lookup", err)
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &e, true, nil
}

// Insert stores the entry unless one already exists for its fingerprint.
func (s *Store) Insert(ctx context.Context, entry cache.NewEntry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}
	created, expires := entry.Expiry(s.now())

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, response, model, tokens_used, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		entry.Fingerprint, entry.Response, entry.Model, entry.TokensUsed,
		created.UnixMilli(), expires.UnixMilli(),
	)
	if err != nil {
		return false, cache.Wrap("insert", err)
	}
	n, err := res.RowsAffected()
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, cache.Wrap("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cache.Wrap("purge", err)
	}
	return n, nil
}

// Stats returns the number of valid and total entries.
func (s *Store) Stats(ctx context.Context) (valid, total int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0) FROM cache_entries`,
		s.nowMillis(),
	).Scan(&total, &valid)
	if err != nil {
		return 0, 0, cache.Wrap("stats", err)
	}
	return valid, total, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
