package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/crypto"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/metrics"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/tracing"
)

// Tier names used in logs, metrics and spans.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

// CompositeOption configures a CompositeCache.
type CompositeOption func(*CompositeCache)

// WithLogger sets the logger for hits, misses and sweep results.
func WithLogger(l *logging.Logger) CompositeOption {
	return func(c *CompositeCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records lookups and entry counts.
func WithMetrics(m *metrics.Metrics) CompositeOption {
	return func(c *CompositeCache) {
		c.metrics = m
	}
}

// WithTracer wraps each lookup in a span.
func WithTracer(t *tracing.Tracer) CompositeOption {
	return func(c *CompositeCache) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithCompositeClock sets the time source used to stamp new entries.
func WithCompositeClock(now func() time.Time) CompositeOption {
	return func(c *CompositeCache) {
		if now != nil {
			c.now = now
		}
	}
}

// CompositeCache combines the in-memory and durable tiers. Lookups try memory
// first and promote durable hits; stores write through to both.
type CompositeCache struct {
	memory  ports.CacheTier
	durable ports.CacheTier

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Tracer
	now     func() time.Time

	sweepMu   sync.Mutex
	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewCompositeCache creates a new composite cache with memory and SQLite tiers.
func NewCompositeCache(memory, durable ports.CacheTier, opts ...CompositeOption) *CompositeCache {
	c := &CompositeCache{
		memory:  memory,
		durable: durable,
		logger:  logging.Nop(),
		tracer:  tracing.Noop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached result for inputs. Inputs that differ only in
// key order or number spelling share an entry.
func (c *CompositeCache) Lookup(ctx context.Context, inputs any) (json.RawMessage, bool, error) {
	key, err := crypto.ContentHash(inputs)
	if err != nil {
		return nil, false, fmt.Errorf("hashing cache inputs: %w", err)
	}

	ctx, span := c.tracer.StartCacheSpan(ctx, key)
	defer span.End()

	if entry, ok := c.memory.Get(ctx, key); ok {
		c.metrics.RecordCacheLookup(TierMemory, true)
		span.SetResult(true, TierMemory)
		logging.LogCacheHit(ctx, c.logger, key, TierMemory)
		return entry.Result, true, nil
	}
	c.metrics.RecordCacheLookup(TierMemory, false)

	if entry, ok := c.durable.Get(ctx, key); ok {
		c.metrics.RecordCacheLookup(TierDisk, true)
		span.SetResult(true, TierDisk)
		logging.LogCacheHit(ctx, c.logger, key, TierDisk)

		// promoted entries keep their original age
		promoted := *entry
		if err := c.memory.Put(ctx, &promoted); err != nil {
			c.logger.WarnContext(ctx, "cache promotion failed", "key", key, "error", err)
		}
		return entry.Result, true, nil
	}
	c.metrics.RecordCacheLookup(TierDisk, false)

	span.SetResult(false, "")
	logging.LogCacheMiss(ctx, c.logger, key)
	return nil, false, nil
}

// Store records result for inputs in both tiers. result may be raw JSON or
// any value encoding/json can marshal. A durable write failure is returned
// after the memory tier has been updated.
func (c *CompositeCache) Store(ctx context.Context, inputs any, result any) error {
	canonical, err := crypto.Canonicalize(inputs)
	if err != nil {
		return fmt.Errorf("hashing cache inputs: %w", err)
	}

	encoded, err := encodeResult(result)
	if err != nil {
		return err
	}

	entry := ports.CacheEntry{
		Key:       crypto.HashCanonical(canonical),
		Inputs:    canonical,
		Result:    encoded,
		CreatedAt: c.now(),
	}

	memEntry := entry
	if err := c.memory.Put(ctx, &memEntry); err != nil {
		return err
	}
	if err := c.durable.Put(ctx, &entry); err != nil {
		logging.LogStoreFailure(ctx, c.logger, "cache put", err)
		return err
	}
	return nil
}

func encodeResult(result any) (json.RawMessage, error) {
	var raw []byte
	switch v := result.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encoding cache result: %w", err)
		}
		return data, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("encoding cache result: not valid JSON")
	}
	return append(json.RawMessage(nil), raw...), nil
}

// Clear removes all items from both caches.
func (c *CompositeCache) Clear(ctx context.Context) error {
	if err := c.memory.Clear(ctx); err != nil {
		return err
	}
	return c.durable.Clear(ctx)
}

// Cleanup removes expired entries from both tiers and returns the total.
func (c *CompositeCache) Cleanup(ctx context.Context) (int64, error) {
	memRemoved, memErr := c.memory.Cleanup(ctx)
	durableRemoved, durableErr := c.durable.Cleanup(ctx)
	return memRemoved + durableRemoved, errors.Join(memErr, durableErr)
}

// TierStats holds statistics for each tier.
type TierStats struct {
	Memory  *ports.CacheStats `json:"memory"`
	Durable *ports.CacheStats `json:"durable"`
}

// Stats returns per-tier statistics and refreshes the entry gauges.
func (c *CompositeCache) Stats(ctx context.Context) (*TierStats, error) {
	memStats, err := c.memory.Stats(ctx)
	if err != nil {
		return nil, err
	}
	durableStats, err := c.durable.Stats(ctx)
	if err != nil {
		return nil, err
	}

	c.metrics.SetCacheEntries(TierMemory, int(memStats.TotalEntries))
	c.metrics.SetCacheEntries(TierDisk, int(durableStats.TotalEntries))

	return &TierStats{Memory: memStats, Durable: durableStats}, nil
}

// StartSweeper runs Cleanup every interval until Close. Calling it again
// while a sweeper is running has no effect.
func (c *CompositeCache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.stopSweep != nil {
		return
	}
	c.stopSweep = make(chan struct{})
	c.sweepDone = make(chan struct{})

	go c.sweepLoop(interval, c.stopSweep, c.sweepDone)
}

// sweepLoop runs periodic cleanup of expired entries.
func (c *CompositeCache) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-stop:
			return
		}
	}
}

func (c *CompositeCache) sweep() {
	ctx := context.Background()
	removed, err := c.Cleanup(ctx)
	if err != nil {
		logging.LogStoreFailure(ctx, c.logger, "cache sweep", err)
		return
	}
	if removed > 0 {
		c.logger.Info("cache sweep removed expired entries", "removed", removed)
	}
	_, _ = c.Stats(ctx)
}

// Close stops the sweeper and waits for it to exit.
func (c *CompositeCache) Close() error {
	c.closeOnce.Do(func() {
		c.sweepMu.Lock()
		stop, done := c.stopSweep, c.sweepDone
		c.sweepMu.Unlock()
		if stop != nil {
			close(stop)
			<-done
		}
	})
	return nil
}

// Ensure CompositeCache implements ComputationCache
var _ ports.ComputationCache = (*CompositeCache)(nil)
