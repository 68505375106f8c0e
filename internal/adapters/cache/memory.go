// Package cache provides the two-tier computation cache: a bounded in-memory
// map in front of a durable SQLite table, both keyed by content hash.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
)

// Eviction reasons passed to an eviction hook.
const (
	ReasonCapacity = "capacity"
	ReasonExpired  = "expired"
)

// Option configures a cache tier.
type Option func(*tierOptions)

type tierOptions struct {
	now     func() time.Time
	onEvict func(reason string, n int)
}

// WithClock sets the time source used for TTL checks and entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *tierOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEvictionHook registers fn to be told how many entries were dropped and
// why.
func WithEvictionHook(fn func(reason string, n int)) Option {
	return func(o *tierOptions) {
		o.onEvict = fn
	}
}

func buildOptions(opts []Option) tierOptions {
	o := tierOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o tierOptions) evicted(reason string, n int) {
	if o.onEvict != nil && n > 0 {
		o.onEvict(reason, n)
	}
}

// MemoryCache is the fast tier. It holds at most maxEntries entries and drops
// the oldest-inserted one when full.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memoryCacheEntry
	maxEntries int
	ttl        time.Duration
	seq        uint64
	opts       tierOptions

	// Statistics
	hitCount      int64
	missCount     int64
	evictionCount int64
	expiredCount  int64
}

// memoryCacheEntry wraps a cache entry with its insertion order.
type memoryCacheEntry struct {
	entry *ports.CacheEntry
	seq   uint64
}

// NewMemoryCache creates an in-memory tier. maxEntries <= 0 means unbounded.
func NewMemoryCache(maxEntries int, ttl time.Duration, opts ...Option) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[string]*memoryCacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		opts:       buildOptions(opts),
	}
}

// Get returns the entry for key if it has not expired. Expired entries are
// removed on access.
func (m *MemoryCache) Get(ctx context.Context, key string) (*ports.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mce, exists := m.entries[key]
	if !exists {
		atomic.AddInt64(&m.missCount, 1)
		return nil, false
	}

	if mce.entry.Expired(m.opts.now(), m.ttl) {
		delete(m.entries, key)
		atomic.AddInt64(&m.missCount, 1)
		atomic.AddInt64(&m.expiredCount, 1)
		m.opts.evicted(ReasonExpired, 1)
		return nil, false
	}

	atomic.AddInt64(&m.hitCount, 1)
	return mce.entry, true
}

// Put stores entry. A zero CreatedAt is stamped with the current time; a
// promoted entry keeps its original age.
func (m *MemoryCache) Put(ctx context.Context, entry *ports.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.opts.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.entries[entry.Key] = &memoryCacheEntry{entry: entry, seq: m.seq}

	evicted := 0
	for m.maxEntries > 0 && len(m.entries) > m.maxEntries {
		m.evictOldest()
		evicted++
	}
	m.opts.evicted(ReasonCapacity, evicted)

	return nil
}

// evictOldest removes the first-inserted entry. Must be called with lock held.
func (m *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestSeq uint64

	for key, mce := range m.entries {
		if oldestKey == "" || mce.seq < oldestSeq {
			oldestKey = key
			oldestSeq = mce.seq
		}
	}

	if oldestKey != "" {
		delete(m.entries, oldestKey)
		atomic.AddInt64(&m.evictionCount, 1)
	}
}

// Delete removes an item from cache.
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Clear removes all items from cache.
func (m *MemoryCache) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryCacheEntry)
	return nil
}

// Len returns the number of held entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns cache statistics.
func (m *MemoryCache) Stats(ctx context.Context) (*ports.CacheStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := atomic.LoadInt64(&m.hitCount)
	misses := atomic.LoadInt64(&m.missCount)

	stats := &ports.CacheStats{
		TotalEntries:  int64(len(m.entries)),
		HitCount:      hits,
		MissCount:     misses,
		EvictionCount: atomic.LoadInt64(&m.evictionCount),
		ExpiredCount:  atomic.LoadInt64(&m.expiredCount),
	}

	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses) * 100
	}

	for _, mce := range m.entries {
		stats.TotalSize += int64(len(mce.entry.Inputs) + len(mce.entry.Result))
		if stats.OldestEntry.IsZero() || mce.entry.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = mce.entry.CreatedAt
		}
		if stats.NewestEntry.IsZero() || mce.entry.CreatedAt.After(stats.NewestEntry) {
			stats.NewestEntry = mce.entry.CreatedAt
		}
	}

	return stats, nil
}

// Cleanup removes expired entries. Returns number of entries removed.
func (m *MemoryCache) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var removed int64

	for key, mce := range m.entries {
		if mce.entry.Expired(now, m.ttl) {
			delete(m.entries, key)
			removed++
		}
	}

	atomic.AddInt64(&m.expiredCount, removed)
	m.opts.evicted(ReasonExpired, int(removed))
	return removed, nil
}

// Ensure MemoryCache implements CacheTier
var _ ports.CacheTier = (*MemoryCache)(nil)
