// Package observability ties structured logging, Prometheus metrics and
// tracing to the sync engine's runs and per-mutation outcomes.
package observability

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/metrics"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/resilience"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/tracing"
)

// Service provides observability features for sync runs.
// It coordinates logging, metrics collection, and tracing.
type Service struct {
	logger  *logging.Logger
	tracer  *tracing.Tracer
	metrics *metrics.Metrics
	now     func() time.Time
}

// ServiceConfig holds configuration for the observability service.
// Nil fields fall back to no-op implementations.
type ServiceConfig struct {
	Logger  *logging.Logger
	Tracer  *tracing.Tracer
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewService creates a new observability service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		logger:  logger,
		tracer:  tracer,
		metrics: cfg.Metrics,
		now:     now,
	}
}

// Logger returns the service logger.
func (s *Service) Logger() *logging.Logger {
	return s.logger
}

// BreakerStateChanged is installed as the breaker's OnStateChange hook.
func (s *Service) BreakerStateChanged(name string, from, to resilience.State, failures int) {
	logging.LogBreakerTransition(s.logger, name, from.String(), to.String(), failures)
	s.metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
}

// QueueDepth publishes the number of queued mutations.
func (s *Service) QueueDepth(n int) {
	s.metrics.SetQueueDepth(n)
}

// RunSkipped records a drain that did not start because another was running
// or the host was offline.
func (s *Service) RunSkipped(ctx context.Context, reason string) {
	s.logger.DebugContext(ctx, "sync run skipped", "reason", reason)
	s.metrics.RecordRun("skipped", 0)
}

// StoreFailed logs a durable store error outside any single mutation.
func (s *Service) StoreFailed(ctx context.Context, op string, err error) {
	logging.LogStoreFailure(ctx, s.logger, op, err)
}

// RunObserver provides observability for a single queue drain.
type RunObserver struct {
	service   *Service
	runID     string
	startTime time.Time
	span      *tracing.SyncRunSpan

	attempted atomic.Int64
	succeeded atomic.Int64
}

// StartRun begins observing a drain of pending mutations split into batches.
func (s *Service) StartRun(ctx context.Context, pending, batches int) (context.Context, *RunObserver) {
	runID := uuid.New().String()
	if logging.CorrelationID(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, runID)
	}
	ctx = logging.WithSyncRunID(ctx, runID)

	logging.LogSyncStarted(ctx, s.logger, pending, batches)
	ctx, span := s.tracer.StartSyncRunSpan(ctx, runID, pending)

	return ctx, &RunObserver{
		service:   s,
		runID:     runID,
		startTime: s.now(),
		span:      span,
	}
}

// RunID returns the id of the observed drain.
func (ro *RunObserver) RunID() string {
	return ro.runID
}

// Finish ends the run observation. aborted marks a drain cut short by the
// network timeout.
func (ro *RunObserver) Finish(ctx context.Context, aborted bool) (attempted, succeeded int) {
	duration := ro.service.now().Sub(ro.startTime)
	attempted = int(ro.attempted.Load())
	succeeded = int(ro.succeeded.Load())

	logging.LogSyncFinished(ctx, ro.service.logger, attempted, succeeded, duration, aborted)

	result := "completed"
	if aborted {
		result = "aborted"
	}
	ro.service.metrics.RecordRun(result, duration)

	ro.span.SetOutcome(attempted, succeeded, aborted)
	ro.span.End()
	return attempted, succeeded
}

// Fail ends the run observation for a drain stopped by a store error. The
// error itself is logged where it happened.
func (ro *RunObserver) Fail(ctx context.Context, err error) (attempted, succeeded int) {
	duration := ro.service.now().Sub(ro.startTime)
	attempted = int(ro.attempted.Load())
	succeeded = int(ro.succeeded.Load())

	logging.LogSyncFinished(ctx, ro.service.logger, attempted, succeeded, duration, true)
	ro.service.metrics.RecordRun("failed", duration)

	ro.span.SetOutcome(attempted, succeeded, true)
	ro.span.EndWithError(err)
	return attempted, succeeded
}

// MutationObserver provides observability for one attempt at one mutation.
type MutationObserver struct {
	service   *Service
	run       *RunObserver
	id        string
	method    string
	critical  bool
	startTime time.Time
	span      *tracing.MutationSpan
}

// StartMutation begins observing an attempt at m. run may be nil for attempts
// made outside a drain, such as the teardown flush.
func (s *Service) StartMutation(ctx context.Context, run *RunObserver, m mutation.PendingMutation, critical bool) (context.Context, *MutationObserver) {
	ctx = logging.WithMutation(ctx, m.ID, m.Endpoint)
	ctx, span := s.tracer.StartMutationSpan(ctx, m.ID, m.Method, m.Endpoint, m.Version, critical)

	if run != nil {
		run.attempted.Add(1)
	}

	return ctx, &MutationObserver{
		service:   s,
		run:       run,
		id:        m.ID,
		method:    m.Method,
		critical:  critical,
		startTime: s.now(),
		span:      span,
	}
}

// Responded records a response from the remote, or status 0 when none came
// back.
func (mo *MutationObserver) Responded(status int) {
	if status > 0 {
		mo.span.SetStatusCode(status)
	}
	mo.service.metrics.RecordRequest(mo.method, status, mo.service.now().Sub(mo.startTime))
}

// Synced ends the observation for a mutation the server confirmed.
func (mo *MutationObserver) Synced(ctx context.Context, version int64) {
	logging.LogSyncSucceeded(ctx, mo.service.logger, version, mo.service.now().Sub(mo.startTime))
	mo.service.metrics.RecordMutation(metrics.OutcomeSynced, mo.critical)
	if mo.run != nil {
		mo.run.succeeded.Add(1)
	}
	mo.span.SetOutcome(metrics.OutcomeSynced, 0)
	mo.span.End()
}

// ConflictResolved ends the observation for a 409.
func (mo *MutationObserver) ConflictResolved(ctx context.Context, action mutation.ResolutionAction, localVersion, serverVersion int64, retryCount int) {
	logging.LogConflictResolved(ctx, mo.service.logger, string(action), localVersion, serverVersion)

	outcome := metrics.OutcomeMerged
	if action == mutation.ResolutionServerWins {
		outcome = metrics.OutcomeServerWins
	}
	mo.service.metrics.RecordMutation(outcome, mo.critical)
	mo.span.SetOutcome(outcome, retryCount)
	mo.span.End()
}

// RetryScheduled ends the observation for a failed attempt that will be
// retried. Breaker rejections are logged apart from downstream failures.
func (mo *MutationObserver) RetryScheduled(ctx context.Context, retryCount int, delay time.Duration, err error) {
	outcome := metrics.OutcomeRetryScheduled
	if domainErrors.IsCircuitOpen(err) {
		outcome = metrics.OutcomeBreakerOpen
		logging.LogBreakerRejected(ctx, mo.service.logger, retryCount, delay)
	} else {
		logging.LogRetryScheduled(ctx, mo.service.logger, retryCount, delay, err)
	}
	mo.service.metrics.RecordMutation(outcome, mo.critical)
	mo.span.SetOutcome(outcome, retryCount)
	mo.span.EndWithError(err)
}

// Abandoned ends the observation for a mutation dropped after its last
// allowed attempt.
func (mo *MutationObserver) Abandoned(ctx context.Context, retryCount int, err error) {
	logging.LogMutationAbandoned(ctx, mo.service.logger, retryCount, err)
	mo.service.metrics.RecordMutation(metrics.OutcomeAbandoned, mo.critical)
	mo.span.SetOutcome(metrics.OutcomeAbandoned, retryCount)
	mo.span.EndWithError(err)
}

// StoreFailed ends the observation when the queue could not record the
// outcome. The mutation stays queued in whatever state the store last held.
func (mo *MutationObserver) StoreFailed(ctx context.Context, op string, err error) {
	logging.LogStoreFailure(ctx, mo.service.logger, op, err)
	mo.span.EndWithError(err)
}

// Interrupted ends the observation for an attempt cut off by the caller,
// typically at shutdown. The entry is left queued as it was.
func (mo *MutationObserver) Interrupted(ctx context.Context, err error) {
	mo.service.logger.WarnContext(ctx, "mutation attempt interrupted", "error", err.Error())
	mo.span.EndWithError(err)
}
