package ports

import (
	"context"
	"encoding/json"
	"time"
)

// CacheEntry is one memoized computation. Key is always the content hash of
// Inputs.
type CacheEntry struct {
	Key       string          `json:"key"`
	Inputs    json.RawMessage `json:"inputs"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Expired reports whether the entry has outlived ttl at now. A non-positive
// ttl never expires.
func (e *CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.CreatedAt) >= ttl
}

// CacheStats represents cache statistics.
type CacheStats struct {
	TotalEntries  int64     `json:"total_entries"`
	TotalSize     int64     `json:"total_size"` // Bytes of inputs and results
	HitCount      int64     `json:"hit_count"`
	MissCount     int64     `json:"miss_count"`
	HitRate       float64   `json:"hit_rate"` // Percentage
	EvictionCount int64     `json:"eviction_count"`
	ExpiredCount  int64     `json:"expired_count"`
	OldestEntry   time.Time `json:"oldest_entry"`
	NewestEntry   time.Time `json:"newest_entry"`
}

// CacheTier is one level of the computation cache.
type CacheTier interface {
	// Get returns the live entry for key. Expired entries are reported as
	// missing.
	Get(ctx context.Context, key string) (*CacheEntry, bool)

	// Put stores entry, evicting the oldest-inserted entries when the tier
	// is over capacity.
	Put(ctx context.Context, entry *CacheEntry) error

	// Delete removes an entry.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Cleanup removes expired entries and returns how many were removed.
	Cleanup(ctx context.Context) (int64, error)

	// Stats returns cache statistics.
	Stats(ctx context.Context) (*CacheStats, error)
}

// ComputationCache is the caller-facing two-tier cache.
type ComputationCache interface {
	// Lookup returns the cached result for inputs.
	Lookup(ctx context.Context, inputs any) (json.RawMessage, bool, error)

	// Store records result for inputs in every tier.
	Store(ctx context.Context, inputs any, result any) error
}
