package models

import "time"

// CacheEntry stores a cached LLM response keyed by request fingerprint.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Response    string    `json:"response"`
	Model       string    `json:"model"`
	TokensUsed  int       `json:"tokens_used"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ValidAt reports whether the entry is still valid at now.
func (e CacheEntry) ValidAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// CacheStats reports cache contents and orchestrator hit/miss counters.
type CacheStats struct {
	ValidEntries   int64   `json:"valid_entries"`
	TotalEntries   int64   `json:"total_entries"`
	ExpiredEntries int64   `json:"expired_entries"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
}
