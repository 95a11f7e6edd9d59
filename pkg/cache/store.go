// Package cache defines the content-addressable completion store. Entries are
// created once per fingerprint, expire lazily and are reclaimed only by
// PurgeExpired.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// DefaultTTL is how long a cached completion stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// ErrInvalidTTL is returned by Insert for a negative TTL.
var ErrInvalidTTL = errors.New("cache: ttl must not be negative")

// Store is a time-bounded, content-addressable completion store.
//
// Insert is an atomic insert-if-absent: when an entry for the fingerprint
// already exists, valid or not, the call succeeds and leaves it untouched.
type Store interface {
	// Lookup returns the entry only if it exists and is valid now.
	Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, bool, error)
	// Insert creates an entry expiring ttl from now. It reports whether this call created it.
	Insert(ctx context.Context, entry NewEntry) (bool, error)
	// PurgeExpired deletes entries whose expiration is at or before now.
	PurgeExpired(ctx context.Context) (int64, error)
	// Stats counts valid (expiration after now) and total entries.
	Stats(ctx context.Context) (valid, total int64, err error)
	Close() error
}

// NewEntry is the input to Store.Insert.
type NewEntry struct {
	Fingerprint string
	Response    string
	Model       string
	TokensUsed  int
	TTL         time.Duration
}

// Validate checks the fields every store relies on.
func (e NewEntry) Validate() error {
	if e.Fingerprint == "" {
		return errors.New("cache: empty fingerprint")
	}
	if e.TTL < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// Expiry returns the creation and expiration times for an entry created at now,
// truncated to milliseconds, which is the resolution every store persists.
func (e NewEntry) Expiry(now time.Time) (created, expires time.Time) {
	created = now.UTC().Truncate(time.Millisecond)
	return created, created.Add(e.TTL).Truncate(time.Millisecond)
}

// StoreError wraps a storage failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Wrap returns err wrapped in a StoreError for op, or nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Clock returns the current time. Stores take one so expiry can be tested.
type Clock func() time.Time
