// Package application provides application-level services and dependency injection.
package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jbctechsolutions/taxsync/internal/adapters/cache"
	"github.com/jbctechsolutions/taxsync/internal/adapters/connectivity"
	"github.com/jbctechsolutions/taxsync/internal/adapters/remote"
	"github.com/jbctechsolutions/taxsync/internal/adapters/sync/sqlite"
	"github.com/jbctechsolutions/taxsync/internal/application/calculation"
	"github.com/jbctechsolutions/taxsync/internal/application/observability"
	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	"github.com/jbctechsolutions/taxsync/internal/application/syncengine"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/config"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/crypto"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/metrics"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/resilience"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/scheduler"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/storage"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/tracing"
)

// Options adjust how the container wires its services.
type Options struct {
	Verbose bool // Override log level to info when true
	Offline bool // Start the manual connectivity watcher offline

	// Remote and Watcher replace the configured adapters when set.
	Remote  ports.RemoteClient
	Watcher ports.ConnectivityWatcher
}

// Container holds all application dependencies and provides a central
// point for dependency injection. It manages the lifecycle of services
// and ensures proper initialization order.
type Container struct {
	// Configuration
	config *config.Config
	opts   Options

	// Database connection
	dbConn *sqlite.Connection
	db     *sql.DB

	// Repositories
	queueRepo    *storage.MutationQueueRepository
	metadataRepo *storage.MetadataRepository

	// Cache
	memoryCache    *cache.MemoryCache
	sqliteCache    *cache.SQLiteCache
	compositeCache *cache.CompositeCache

	// Observability
	logger               *logging.Logger
	tracer               *tracing.Tracer
	metrics              *metrics.Metrics
	observabilityService *observability.Service

	// Sync
	guard       *resilience.ConnectionGuard
	remote      ports.RemoteClient
	watcher     ports.ConnectivityWatcher
	natsWatcher *connectivity.NATSWatcher
	scheduler   *scheduler.Scheduler
	syncEngine  *syncengine.Engine
	calculator  *calculation.Service

	mu          sync.Mutex
	unsubscribe func() error
	closeOnce   sync.Once
	closeErr    error
}

// NewContainer creates a new dependency injection container with all services
// initialized based on the provided configuration.
func NewContainer(cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{
		config: cfg,
		opts:   opts,
	}

	if err := c.initObservability(); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	// Initialize database connection
	if err := c.initDatabase(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize repositories
	if err := c.initRepositories(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	c.initCache()

	if err := c.initConnectivity(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize connectivity: %w", err)
	}

	// Initialize application services
	if err := c.initServices(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return c, nil
}

// initObservability initializes logging, tracing and metrics.
func (c *Container) initObservability() error {
	ctx := context.Background()

	logLevel := logging.LevelInfo // default

	// Check verbose flag first - overrides config
	if !c.opts.Verbose {
		switch c.config.Logging.Level {
		case "debug":
			logLevel = logging.LevelDebug
		case "warn":
			logLevel = logging.LevelWarn
		case "error":
			logLevel = logging.LevelError
		}
	}

	logFormat := logging.FormatText
	if c.config.Logging.Format == "json" {
		logFormat = logging.FormatJSON
	}

	c.logger = logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
	})

	// Initialize tracer if enabled
	if c.config.Observability.Tracing.Enabled {
		tracer, err := tracing.New(ctx, tracing.Config{
			Enabled:      true,
			ExporterType: tracing.ExporterType(c.config.Observability.Tracing.ExporterType),
			OTLPEndpoint: c.config.Observability.Tracing.OTLPEndpoint,
			ServiceName:  c.config.Observability.Tracing.ServiceName,
			Environment:  "production",
			SampleRate:   c.config.Observability.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to create tracer: %w", err)
		}
		c.tracer = tracer
	} else {
		c.tracer = tracing.Noop()
	}

	c.metrics = metrics.New()

	c.observabilityService = observability.NewService(observability.ServiceConfig{
		Logger:  c.logger,
		Tracer:  c.tracer,
		Metrics: c.metrics,
	})
	return nil
}

// initDatabase initializes the SQLite database connection.
func (c *Container) initDatabase() error {
	// Empty path means ~/.taxsync/taxsync.db
	conn, err := sqlite.NewConnection(c.config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}

	if err := conn.Open(); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db, err := conn.DB()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	c.dbConn = conn
	c.db = db
	return nil
}

// initRepositories initializes the queue and metadata repositories.
func (c *Container) initRepositories() error {
	opts := []storage.QueueOption{
		storage.WithMaxRetries(c.config.Sync.MaxRetries),
	}

	if c.config.Security.EncryptPayloads {
		// The salt lives next to the database so the key follows the store.
		enc, err := crypto.NewEncryptor(filepath.Dir(c.dbConn.Path()))
		if err != nil {
			return fmt.Errorf("failed to set up payload encryption: %w", err)
		}
		opts = append(opts, storage.WithEncryption(enc))
	}

	c.queueRepo = storage.NewMutationQueueRepository(c.db, opts...)
	c.metadataRepo = storage.NewMetadataRepository(c.db)
	return nil
}

// initCache initializes the two-tier computation cache.
func (c *Container) initCache() {
	if !c.config.Cache.Enabled {
		return
	}
	cfg := c.config.Cache

	c.memoryCache = cache.NewMemoryCache(cfg.MaxMemoryEntries, cfg.TTL,
		cache.WithEvictionHook(c.evictionRecorder(cache.TierMemory)))

	c.sqliteCache = cache.NewSQLiteCache(c.db, cfg.MaxDiskEntries, cfg.TTL,
		cache.WithEvictionHook(c.evictionRecorder(cache.TierDisk)))

	c.compositeCache = cache.NewCompositeCache(c.memoryCache, c.sqliteCache,
		cache.WithLogger(c.logger),
		cache.WithMetrics(c.metrics),
		cache.WithTracer(c.tracer),
	)
}

func (c *Container) evictionRecorder(tier string) func(reason string, n int) {
	return func(reason string, n int) {
		c.metrics.RecordCacheEvictions(tier, reason, n)
	}
}

// initConnectivity selects the connectivity watcher for the configured mode.
func (c *Container) initConnectivity() error {
	if c.opts.Watcher != nil {
		c.watcher = c.opts.Watcher
		return nil
	}

	cfg := c.config.Connectivity
	switch cfg.Mode {
	case "nats":
		w, err := connectivity.NewNATSWatcher(cfg.NATSURL, c.logger)
		if err != nil {
			return err
		}
		c.natsWatcher = w
		c.watcher = w
	case "file":
		w, err := connectivity.NewFileWatcher(cfg.StatusFile, c.logger)
		if err != nil {
			return err
		}
		c.watcher = w
	default:
		c.watcher = connectivity.NewManual(!c.opts.Offline)
	}
	return nil
}

// initServices initializes the breaker, remote client, engine and calculator.
func (c *Container) initServices() error {
	c.guard = resilience.NewConnectionGuard(resilience.GuardConfig{
		FailureThreshold: c.config.Breaker.FailureThreshold,
		ResetTimeout:     c.config.Breaker.ResetTimeout,
		IsFailure:        syncengine.CountsAgainstBreaker,
		OnStateChange:    c.observabilityService.BreakerStateChanged,
	})

	c.remote = c.opts.Remote
	if c.remote == nil {
		c.remote = remote.NewClient(
			remote.WithBaseURL(c.config.Remote.BaseURL),
			remote.WithVersionHeader(c.config.Remote.VersionHeader),
			remote.WithTimeout(c.config.Sync.NetworkTimeout),
		)
	}

	c.scheduler = scheduler.New(c.config.Sync.PollInterval)

	engine, err := syncengine.New(syncengine.Dependencies{
		Queue:     c.queueRepo,
		Metadata:  c.metadataRepo,
		Guard:     c.guard,
		Remote:    c.remote,
		Watcher:   c.watcher,
		Scheduler: c.scheduler,
		Observer:  c.observabilityService,
	}, syncengine.Config{
		BatchSize:       c.config.Sync.BatchSize,
		NetworkTimeout:  c.config.Sync.NetworkTimeout,
		CriticalTimeout: c.config.Sync.CriticalTimeout,
		FlushBudget:     c.config.Sync.FlushBudget,
		MaxRetries:      c.config.Sync.MaxRetries,
		RetryDelays:     c.config.Sync.RetryDelays,
	})
	if err != nil {
		return err
	}
	c.syncEngine = engine

	var cc ports.ComputationCache
	if c.compositeCache != nil {
		cc = c.compositeCache
	}
	c.calculator = calculation.NewService(cc, c.logger)
	return nil
}

// StartBackground starts the engine loop, the cache sweeper and, in NATS
// mode, the wake subscription. The daemon calls it once.
func (c *Container) StartBackground(ctx context.Context) error {
	if c.compositeCache != nil {
		c.compositeCache.StartSweeper(c.config.Cache.SweepInterval)
	}

	if c.natsWatcher != nil && c.config.Connectivity.WakeSubject != "" {
		unsubscribe, err := c.natsWatcher.SubscribeWake(c.config.Connectivity.WakeSubject, func() {
			c.scheduler.Wake(scheduler.ReasonWake)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to wake subject: %w", err)
		}
		c.mu.Lock()
		c.unsubscribe = unsubscribe
		c.mu.Unlock()
	}

	return c.syncEngine.Start(ctx)
}

// Shutdown stops the engine loop and makes the teardown flush.
func (c *Container) Shutdown(ctx context.Context) (syncengine.RunResult, error) {
	c.syncEngine.Stop()
	return c.syncEngine.FlushCritical(ctx)
}

// Close releases all resources held by the container.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		ctx := context.Background()
		var errs []error

		if c.syncEngine != nil {
			c.syncEngine.Stop()
		}

		c.mu.Lock()
		unsubscribe := c.unsubscribe
		c.mu.Unlock()
		if unsubscribe != nil {
			_ = unsubscribe()
		}

		if c.compositeCache != nil {
			_ = c.compositeCache.Close()
		}

		if c.watcher != nil && c.opts.Watcher == nil {
			_ = c.watcher.Close()
		}

		if c.tracer != nil {
			_ = c.tracer.Shutdown(ctx)
		}

		if c.dbConn != nil {
			errs = append(errs, c.dbConn.Close())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Config returns the configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// DB returns the database handle.
func (c *Container) DB() *sql.DB {
	return c.db
}

// DatabasePath returns the path of the SQLite store.
func (c *Container) DatabasePath() string {
	return c.dbConn.Path()
}

// MutationQueue returns the durable mutation queue.
func (c *Container) MutationQueue() ports.MutationQueue {
	return c.queueRepo
}

// MetadataStore returns the sync metadata store.
func (c *Container) MetadataStore() ports.MetadataStore {
	return c.metadataRepo
}

// CompositeCache returns the computation cache, or nil when disabled.
func (c *Container) CompositeCache() *cache.CompositeCache {
	return c.compositeCache
}

// Calculator returns the get-cached-or-compute service.
func (c *Container) Calculator() *calculation.Service {
	return c.calculator
}

// SyncEngine returns the sync engine.
func (c *Container) SyncEngine() *syncengine.Engine {
	return c.syncEngine
}

// ConnectionGuard returns the shared breaker guard.
func (c *Container) ConnectionGuard() *resilience.ConnectionGuard {
	return c.guard
}

// Watcher returns the connectivity watcher.
func (c *Container) Watcher() ports.ConnectivityWatcher {
	return c.watcher
}

// Logger returns the logger.
func (c *Container) Logger() *logging.Logger {
	return c.logger
}

// Tracer returns the tracer.
func (c *Container) Tracer() *tracing.Tracer {
	return c.tracer
}

// Metrics returns the Prometheus metrics.
func (c *Container) Metrics() *metrics.Metrics {
	return c.metrics
}

// ObservabilityService returns the sync observer.
func (c *Container) ObservabilityService() *observability.Service {
	return c.observabilityService
}
