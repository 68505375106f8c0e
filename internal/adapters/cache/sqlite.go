package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
)

// SQLiteCache is the durable tier, backed by the computation_cache table. It
// retains at most maxEntries rows, dropping the oldest-inserted first.
type SQLiteCache struct {
	db         *sql.DB
	maxEntries int
	ttl        time.Duration
	opts       tierOptions

	// Statistics (process lifetime)
	hitCount      int64
	missCount     int64
	evictionCount int64
	expiredCount  int64
}

// NewSQLiteCache creates a new SQLite-backed tier. maxEntries <= 0 means
// unbounded.
func NewSQLiteCache(db *sql.DB, maxEntries int, ttl time.Duration, opts ...Option) *SQLiteCache {
	return &SQLiteCache{
		db:         db,
		maxEntries: maxEntries,
		ttl:        ttl,
		opts:       buildOptions(opts),
	}
}

// Get retrieves a live entry. Lookup failures are reported as misses; the
// cache is an optimization and never blocks the computation.
func (s *SQLiteCache) Get(ctx context.Context, key string) (*ports.CacheEntry, bool) {
	var (
		entry     ports.CacheEntry
		inputs    string
		result    string
		createdMs int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT key, inputs, result, created_at_ms
		FROM computation_cache
		WHERE key = ?
	`, key).Scan(&entry.Key, &inputs, &result, &createdMs)
	if err != nil {
		atomic.AddInt64(&s.missCount, 1)
		return nil, false
	}

	entry.Inputs = []byte(inputs)
	entry.Result = []byte(result)
	entry.CreatedAt = time.UnixMilli(createdMs)

	if entry.Expired(s.opts.now(), s.ttl) {
		atomic.AddInt64(&s.missCount, 1)
		if res, err := s.db.ExecContext(ctx, `DELETE FROM computation_cache WHERE key = ?`, key); err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				atomic.AddInt64(&s.expiredCount, n)
				s.opts.evicted(ReasonExpired, int(n))
			}
		}
		return nil, false
	}

	atomic.AddInt64(&s.hitCount, 1)
	return &entry, true
}

// Put upserts entry and trims the table to maxEntries.
func (s *SQLiteCache) Put(ctx context.Context, entry *ports.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.opts.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domainErrors.Storage("begin cache put", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO computation_cache (key, inputs, result, created_at_ms)
		VALUES (?, ?, ?, ?)
	`, entry.Key, string(entry.Inputs), string(entry.Result), entry.CreatedAt.UnixMilli())
	if err != nil {
		return domainErrors.Storage("cache put", err)
	}

	var evicted int64
	if s.maxEntries > 0 {
		// rowid breaks ties between rows created in the same millisecond
		res, err := tx.ExecContext(ctx, `
			DELETE FROM computation_cache
			WHERE key IN (
				SELECT key FROM computation_cache
				ORDER BY created_at_ms DESC, rowid DESC
				LIMIT -1 OFFSET ?
			)
		`, s.maxEntries)
		if err != nil {
			return domainErrors.Storage("cache evict", err)
		}
		evicted, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return domainErrors.Storage("commit cache put", err)
	}

	atomic.AddInt64(&s.evictionCount, evicted)
	s.opts.evicted(ReasonCapacity, int(evicted))
	return nil
}

// Delete removes an item from cache.
func (s *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM computation_cache WHERE key = ?`, key); err != nil {
		return domainErrors.Storage("cache delete", err)
	}
	return nil
}

// Clear removes all items from cache.
func (s *SQLiteCache) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM computation_cache`); err != nil {
		return domainErrors.Storage("cache clear", err)
	}
	return nil
}

// Cleanup deletes rows older than the TTL regardless of access.
func (s *SQLiteCache) Cleanup(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.opts.now().Add(-s.ttl).UnixMilli()

	res, err := s.db.ExecContext(ctx, `DELETE FROM computation_cache WHERE created_at_ms <= ?`, cutoff)
	if err != nil {
		return 0, domainErrors.Storage("cache cleanup", err)
	}

	removed, _ := res.RowsAffected()
	atomic.AddInt64(&s.expiredCount, removed)
	s.opts.evicted(ReasonExpired, int(removed))
	return removed, nil
}

// Stats returns cache statistics. Entry counts and sizes come from the table;
// hit and miss counts cover this process only.
func (s *SQLiteCache) Stats(ctx context.Context) (*ports.CacheStats, error) {
	var (
		count              int64
		size               sql.NullInt64
		oldestMs, newestMs sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(length(inputs) + length(result)), MIN(created_at_ms), MAX(created_at_ms)
		FROM computation_cache
	`).Scan(&count, &size, &oldestMs, &newestMs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, domainErrors.Storage("cache stats", err)
	}

	hits := atomic.LoadInt64(&s.hitCount)
	misses := atomic.LoadInt64(&s.missCount)

	stats := &ports.CacheStats{
		TotalEntries:  count,
		TotalSize:     size.Int64,
		HitCount:      hits,
		MissCount:     misses,
		EvictionCount: atomic.LoadInt64(&s.evictionCount),
		ExpiredCount:  atomic.LoadInt64(&s.expiredCount),
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses) * 100
	}
	if oldestMs.Valid {
		stats.OldestEntry = time.UnixMilli(oldestMs.Int64)
	}
	if newestMs.Valid {
		stats.NewestEntry = time.UnixMilli(newestMs.Int64)
	}

	return stats, nil
}

// Ensure SQLiteCache implements CacheTier
var _ ports.CacheTier = (*SQLiteCache)(nil)
