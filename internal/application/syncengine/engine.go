// Package syncengine drives queued mutations to the remote source of truth.
package syncengine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/application/observability"
	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/resilience"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/scheduler"
)

// Config contains configuration options for the engine.
type Config struct {
	BatchSize       int             // Mutations attempted concurrently per batch
	NetworkTimeout  time.Duration   // Per-request timeout and drain wall-clock budget
	CriticalTimeout time.Duration   // Per-request timeout during the teardown flush
	FlushBudget     time.Duration   // Total budget for the teardown flush
	MaxRetries      int             // Attempts before a mutation is abandoned
	RetryDelays     []time.Duration // Progressive backoff schedule
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	delays := make([]time.Duration, len(mutation.DefaultRetryDelays))
	copy(delays, mutation.DefaultRetryDelays)

	return Config{
		BatchSize:       10,
		NetworkTimeout:  30 * time.Second,
		CriticalTimeout: 5 * time.Second,
		FlushBudget:     3 * time.Second,
		MaxRetries:      mutation.DefaultMaxRetries,
		RetryDelays:     delays,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = d.NetworkTimeout
	}
	if c.CriticalTimeout <= 0 {
		c.CriticalTimeout = d.CriticalTimeout
	}
	if c.FlushBudget <= 0 {
		c.FlushBudget = d.FlushBudget
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = d.RetryDelays
	}
	return c
}

// Dependencies are the collaborators the engine borrows. Queue, Metadata,
// Guard, Remote and Watcher are required.
type Dependencies struct {
	Queue     ports.MutationQueue
	Metadata  ports.MetadataStore
	Guard     *resilience.ConnectionGuard
	Remote    ports.RemoteClient
	Watcher   ports.ConnectivityWatcher
	Scheduler *scheduler.Scheduler   // nil disables the fallback poll
	Observer  *observability.Service // nil logs nowhere
	Now       func() time.Time       // nil means time.Now
}

// AbandonFunc is notified when a mutation is dropped after its last allowed
// attempt. It is the only failure surfaced to the user.
type AbandonFunc func(m mutation.PendingMutation, err error)

// Engine drains the mutation queue through the connection guard.
type Engine struct {
	queue     ports.MutationQueue
	metadata  ports.MetadataStore
	guard     *resilience.ConnectionGuard
	remote    ports.RemoteClient
	watcher   ports.ConnectivityWatcher
	scheduler *scheduler.Scheduler
	observer  *observability.Service
	logger    *logging.Logger
	now       func() time.Time
	config    Config

	processing atomic.Bool
	running    atomic.Bool
	abandoned  atomic.Int64

	hooksMu   sync.RWMutex
	onAbandon []AbandonFunc

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	switch {
	case deps.Queue == nil:
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "sync engine requires a mutation queue", nil)
	case deps.Metadata == nil:
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "sync engine requires a metadata store", nil)
	case deps.Guard == nil:
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "sync engine requires a connection guard", nil)
	case deps.Remote == nil:
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "sync engine requires a remote client", nil)
	case deps.Watcher == nil:
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "sync engine requires a connectivity watcher", nil)
	}

	sched := deps.Scheduler
	if sched == nil {
		sched = scheduler.New(0)
	}
	observer := deps.Observer
	if observer == nil {
		observer = observability.NewService(observability.ServiceConfig{})
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		queue:     deps.Queue,
		metadata:  deps.Metadata,
		guard:     deps.Guard,
		remote:    deps.Remote,
		watcher:   deps.Watcher,
		scheduler: sched,
		observer:  observer,
		logger:    observer.Logger(),
		now:       now,
		config:    cfg.withDefaults(),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// OnAbandoned registers fn for terminal failures.
func (e *Engine) OnAbandoned(fn AbandonFunc) {
	if fn == nil {
		return
	}
	e.hooksMu.Lock()
	e.onAbandon = append(e.onAbandon, fn)
	e.hooksMu.Unlock()
}

// QueueSync records a user change durably and, when online, sends it right
// away: a started engine is woken, otherwise the queue is drained before
// QueueSync returns. The returned mutation carries its assigned id and
// version. A storage error means the change was not saved; failures of the
// follow-up drain are logged and left to the retry schedule.
func (e *Engine) QueueSync(ctx context.Context, formData, calculations []byte, endpoint, method string) (mutation.PendingMutation, error) {
	payload, err := mutation.NewPayload(formData, calculations)
	if err != nil {
		return mutation.PendingMutation{}, domainErrors.NewError(domainErrors.CodeValidation, "invalid payload", err)
	}

	stored, err := e.queue.Enqueue(ctx, mutation.PendingMutation{
		Timestamp: e.now(),
		Payload:   payload,
		Endpoint:  endpoint,
		Method:    strings.ToUpper(method),
	})
	if err != nil {
		if domainErrors.IsStorage(err) {
			e.observer.StoreFailed(ctx, "enqueue", err)
		}
		return mutation.PendingMutation{}, err
	}

	e.logger.InfoContext(logging.WithMutation(ctx, stored.ID, stored.Endpoint), "mutation queued",
		"version", stored.Version,
		"method", stored.Method,
	)
	e.refreshQueueDepth(ctx)

	if !e.watcher.Online() {
		return stored, nil
	}
	if e.running.Load() {
		e.scheduler.Wake(scheduler.ReasonWake)
		return stored, nil
	}
	// Nothing would consume a wake, so drain here.
	if _, err := e.SyncPendingData(ctx); err != nil {
		e.logger.ErrorContext(ctx, "sync after enqueue failed", "mutation_id", stored.ID, "error", err)
	}
	return stored, nil
}

// PendingCount returns the number of queued mutations.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.Count(ctx)
}

// Start subscribes to connectivity transitions and runs the scheduler loop
// until ctx is cancelled or Stop is called. A drain is requested at once if
// the host is online.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return errors.New("sync engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	unsubscribe := e.watcher.Subscribe(func(online bool) {
		e.logger.Info("connectivity changed", "online", online)
		if online {
			e.scheduler.Wake(scheduler.ReasonWake)
		}
	})

	e.running.Store(true)
	go func() {
		defer close(done)
		defer unsubscribe()
		defer e.running.Store(false)
		e.scheduler.Run(runCtx, e.onWake)
	}()

	if e.watcher.Online() {
		e.scheduler.Wake(scheduler.ReasonWake)
	}
	return nil
}

func (e *Engine) onWake(ctx context.Context, reason scheduler.Reason) {
	e.logger.DebugContext(ctx, "sync engine woken", "reason", string(reason))
	if _, err := e.SyncPendingData(ctx); err != nil {
		e.logger.ErrorContext(ctx, "sync run failed", "reason", string(reason), "error", err)
	}
}

// Stop ends the scheduler loop and waits for an in-flight drain to return.
// Mutations whose requests were cut off stay queued unchanged.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status is a point-in-time view of the engine.
type Status struct {
	Pending         int       `json:"pending"`
	Abandoned       int64     `json:"abandoned"`
	BreakerState    string    `json:"breaker_state"`
	BreakerFailures int       `json:"breaker_failures"`
	Online          bool      `json:"online"`
	Processing      bool      `json:"processing"`
	LastSync        time.Time `json:"last_sync"`
	Version         int64     `json:"version"`
	NextRetry       time.Time `json:"next_retry"`
}

// Status reports queue, breaker and connectivity state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	meta, err := e.metadata.Get(ctx)
	if err != nil {
		return Status{}, err
	}
	snap := e.guard.Breaker().Snapshot()

	return Status{
		Pending:         pending,
		Abandoned:       e.abandoned.Load(),
		BreakerState:    snap.State.String(),
		BreakerFailures: snap.FailureCount,
		Online:          e.watcher.Online(),
		Processing:      e.processing.Load(),
		LastSync:        meta.LastSync,
		Version:         meta.Version,
		NextRetry:       e.scheduler.NextRetry(),
	}, nil
}

// CountsAgainstBreaker reports whether a remote error should count toward
// opening the breaker. A conflict means the remote is healthy.
func CountsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	var se interface{ HTTPStatus() int }
	if errors.As(err, &se) && se.HTTPStatus() == http.StatusConflict {
		return false
	}
	return true
}

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	n, err := e.queue.Count(ctx)
	if err != nil {
		return
	}
	e.observer.QueueDepth(n)
}

func (e *Engine) notifyAbandoned(m mutation.PendingMutation, err error) {
	e.hooksMu.RLock()
	hooks := append([]AbandonFunc(nil), e.onAbandon...)
	e.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(m, err)
	}
}
