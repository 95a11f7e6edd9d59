// Package postgres implements cache.Store on PostgreSQL through GORM, for
// deployments where several orchestrator instances share one cache.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rpat9/MasterChef-Claude/pkg/cache"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// entryRow is the persisted form of a cache entry.
type entryRow struct {
	Fingerprint string    `gorm:"primaryKey;size:64"`
	Response    string    `gorm:"type:text;not null"`
	Model       string    `gorm:"size:255;not null"`
	TokensUsed  int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

func (entryRow) TableName() string { return "llm_cache" }

// Store is a cache.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	now    cache.Clock
	logger *zap.Logger
}

var _ cache.Store = (*Store)(nil)

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

// New connects to dsn and migrates the cache table.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	s := NewWithDB(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. The table is not migrated.
func NewWithDB(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates or updates the cache table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&entryRow{}); err != nil {
		return fmt.Errorf("migrate cache db: %w", err)
	}
	return nil
}

func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}

// Lookup returns the entry for fingerprint if it has not expired.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, bool, error) {
	var row entryRow
	err := s.db.WithContext(ctx).
		Where("fingerprint = ? AND expires_at > ?", fingerprint, s.nowUTC()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.Wrap("lookup", err)
	}
	return &models.CacheEntry{
		Fingerprint: row.Fingerprint,
		Response:    row.Response,
		Model:       row.Model,
		TokensUsed:  row.TokensUsed,
		CreatedAt:   row.CreatedAt.UTC(),
		ExpiresAt:   row.ExpiresAt.UTC(),
	}, true, nil
}

// Insert stores the entry unless one already exists for its fingerprint.
func (s *Store) Insert(ctx context.Context, entry cache.NewEntry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}
	created, expires := entry.Expiry(s.now())
	row := entryRow{
		Fingerprint: entry.Fingerprint,
		Response:    entry.Response,
		Model:       entry.Model,
		TokensUsed:  entry.TokensUsed,
		CreatedAt:   created,
		ExpiresAt:   expires,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, cache.Wrap("insert", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("cache entry already present", zap.String("fingerprint", entry.Fingerprint))
	}
	return res.RowsAffected == 1, nil
}

// PurgeExpired deletes every entry whose expiration is at or before now.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.nowUTC()).Delete(&entryRow{})
	if res.Error != nil {
		return 0, cache.Wrap("purge", res.Error)
	}
	return res.RowsAffected, nil
}

// Stats returns the number of valid and total entries.
func (s *Store) Stats(ctx context.Context) (valid, total int64, err error) {
	db := s.db.WithContext(ctx)
	if err := db.Model(&entryRow{}).Count(&total).Error; err != nil {
		return 0, 0, cache.Wrap("stats", err)
	}
	if err := db.Model(&entryRow{}).Where("expires_at > ?", s.nowUTC()).Count(&valid).Error; err != nil {
		return 0, 0, cache.Wrap("stats", err)
	}
	return valid, total, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
