package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jbctechsolutions/taxsync/internal/application/observability"
	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/resilience"
)

// Skip reasons reported in RunResult.
const (
	SkipOffline    = "offline"
	SkipInProgress = "in_progress"
	SkipNothingDue = "nothing_due"
)

// RunResult summarizes one drain.
type RunResult struct {
	Pending    int    `json:"pending"` // Due entries when the drain started
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Aborted    bool   `json:"aborted"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// SyncPendingData drains due mutations in batches. Within a batch mutations
// are sent concurrently; batches run one after another so later batches see
// the results of earlier ones. Remaining batches are left queued once the
// network timeout has elapsed since the drain started.
//
// The call is a no-op while offline or while another drain is running. The
// returned error is a store failure; remote failures are absorbed into the
// retry schedule.
func (e *Engine) SyncPendingData(ctx context.Context) (RunResult, error) {
	if !e.watcher.Online() {
		e.observer.RunSkipped(ctx, SkipOffline)
		return RunResult{Skipped: true, SkipReason: SkipOffline}, nil
	}
	if !e.processing.CompareAndSwap(false, true) {
		e.observer.RunSkipped(ctx, SkipInProgress)
		return RunResult{Skipped: true, SkipReason: SkipInProgress}, nil
	}
	defer e.processing.Store(false)
	defer e.refreshQueueDepth(ctx)

	entries, err := e.queue.List(ctx, false)
	if err != nil {
		e.observer.StoreFailed(ctx, "list pending", err)
		return RunResult{}, err
	}

	due, err := e.selectDue(ctx, entries)
	if err != nil {
		return RunResult{}, err
	}
	if len(due) == 0 {
		e.observer.RunSkipped(ctx, SkipNothingDue)
		return RunResult{Skipped: true, SkipReason: SkipNothingDue}, nil
	}

	batches := partition(due, e.config.BatchSize)
	start := e.now()
	ctx, run := e.observer.StartRun(ctx, len(due), len(batches))

	aborted := false
	var storeErr error
	for i, batch := range batches {
		if i > 0 && e.now().Sub(start) >= e.config.NetworkTimeout {
			aborted = true
			break
		}
		if ctx.Err() != nil {
			aborted = true
			break
		}
		if storeErr = e.runBatch(ctx, run, batch, false); storeErr != nil {
			aborted = true
			break
		}
	}

	var attempted, succeeded int
	if storeErr != nil {
		attempted, succeeded = run.Fail(ctx, storeErr)
	} else {
		attempted, succeeded = run.Finish(ctx, aborted)
	}
	return RunResult{
		Pending:   len(due),
		Attempted: attempted,
		Succeeded: succeeded,
		Aborted:   aborted,
	}, storeErr
}

// selectDue returns entries whose retry has come due, abandons entries that
// are out of attempts, and arms the scheduler for the earliest future retry.
func (e *Engine) selectDue(ctx context.Context, entries []mutation.PendingMutation) ([]mutation.PendingMutation, error) {
	now := e.now()
	due := make([]mutation.PendingMutation, 0, len(entries))
	var nextRetry time.Time

	for _, m := range entries {
		if !m.Retryable(e.config.MaxRetries) {
			cause := fmt.Errorf("%w: %s", domainErrors.ErrRetriesExhausted, m.LastError)
			mctx, obs := e.observer.StartMutation(ctx, nil, m, false)
			if err := e.abandon(mctx, obs, m, m.RetryCount, cause); err != nil {
				return nil, err
			}
			continue
		}
		if !m.Due(now) {
			if nextRetry.IsZero() || m.NextAttemptAt.Before(nextRetry) {
				nextRetry = m.NextAttemptAt
			}
			continue
		}
		due = append(due, m)
	}

	if !nextRetry.IsZero() {
		e.scheduler.WakeAt(nextRetry)
	}
	return due, nil
}

// runBatch sends every mutation in batch concurrently and waits for all of
// them. It returns the first store failure.
func (e *Engine) runBatch(ctx context.Context, run *observability.RunObserver, batch []mutation.PendingMutation, critical bool) error {
	g := new(errgroup.Group)
	g.SetLimit(e.config.BatchSize)

	for _, m := range batch {
		g.Go(func() error {
			return e.performSync(ctx, run, m, critical)
		})
	}
	return g.Wait()
}

func partition(entries []mutation.PendingMutation, size int) [][]mutation.PendingMutation {
	batches := make([][]mutation.PendingMutation, 0, (len(entries)+size-1)/size)
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		batches = append(batches, entries[start:end])
	}
	return batches
}

// performSync makes one attempt at m and records the outcome in the queue.
// The returned error is a store failure only.
func (e *Engine) performSync(ctx context.Context, run *observability.RunObserver, m mutation.PendingMutation, critical bool) error {
	ctx, obs := e.observer.StartMutation(ctx, run, m, critical)

	body, err := m.Payload.RequestBody()
	if err != nil {
		return e.handleFailure(ctx, obs, m, err)
	}

	timeout := e.config.NetworkTimeout
	if critical {
		timeout = e.config.CriticalTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := resilience.Query(reqCtx, e.guard, func(reqCtx context.Context) (*ports.SyncResponse, error) {
		resp, err := e.remote.Send(reqCtx, ports.SyncRequest{
			ID:       m.ID,
			Endpoint: m.Endpoint,
			Method:   m.Method,
			Body:     body,
			Version:  m.Version,
		})
		if err != nil && ctx.Err() != nil {
			// Stop or the flush budget cut the call short; the per-request
			// timeout still counts against the breaker.
			return nil, resilience.Interrupted(err)
		}
		return resp, err
	})
	obs.Responded(responseStatus(resp, err))

	switch {
	case err != nil && ctx.Err() != nil:
		// The caller gave up, not the remote. Leave the entry as it was.
		obs.Interrupted(ctx, err)
		return nil
	case err != nil:
		return e.handleFailure(ctx, obs, m, err)
	case resp.IsConflict():
		return e.resolveConflict(ctx, obs, m, *resp.Conflict)
	}

	if err := e.queue.Delete(ctx, m.ID); err != nil {
		obs.StoreFailed(ctx, "delete synced", err)
		return err
	}
	if _, err := e.metadata.RecordSync(ctx, e.now(), m.Version); err != nil {
		obs.StoreFailed(ctx, "record sync", err)
		return err
	}
	obs.Synced(ctx, m.Version)
	return nil
}

func (e *Engine) resolveConflict(ctx context.Context, obs *observability.MutationObserver, m mutation.PendingMutation, server mutation.ServerState) error {
	res, err := mutation.ResolveConflict(m, server)
	if err != nil {
		return e.handleFailure(ctx, obs, m, fmt.Errorf("resolving conflict: %w", err))
	}

	switch res.Action {
	case mutation.ResolutionServerWins:
		if err := e.queue.Delete(ctx, m.ID); err != nil {
			obs.StoreFailed(ctx, "delete conflicting", err)
			return err
		}
	default:
		// The merged entry goes out again after the first backoff step.
		next := e.now().Add(mutation.RetryDelay(1, e.config.RetryDelays))
		if _, err := e.queue.Update(ctx, m.ID, mutation.Patch{
			Payload:       &res.Merged.Payload,
			Version:       &res.Merged.Version,
			NextAttemptAt: &next,
		}); err != nil {
			obs.StoreFailed(ctx, "update merged", err)
			return err
		}
		e.scheduler.WakeAt(next)
	}

	obs.ConflictResolved(ctx, res.Action, m.Version, server.Version, m.RetryCount)
	return nil
}

// handleFailure counts a failed attempt. Below the ceiling the entry is
// rescheduled with backoff; at the ceiling it is deleted and reported.
func (e *Engine) handleFailure(ctx context.Context, obs *observability.MutationObserver, m mutation.PendingMutation, cause error) error {
	retryCount := m.RetryCount + 1
	if retryCount >= e.config.MaxRetries {
		return e.abandon(ctx, obs, m, retryCount, cause)
	}

	delay := mutation.RetryDelay(retryCount, e.config.RetryDelays)
	next := e.now().Add(delay)
	lastError := cause.Error()

	if _, err := e.queue.Update(ctx, m.ID, mutation.Patch{
		RetryCount:    &retryCount,
		LastError:     &lastError,
		NextAttemptAt: &next,
	}); err != nil {
		obs.StoreFailed(ctx, "update retry", err)
		return err
	}

	e.scheduler.WakeAt(next)
	obs.RetryScheduled(ctx, retryCount, delay, cause)
	return nil
}

func (e *Engine) abandon(ctx context.Context, obs *observability.MutationObserver, m mutation.PendingMutation, retryCount int, cause error) error {
	if err := e.queue.Delete(ctx, m.ID); err != nil {
		obs.StoreFailed(ctx, "delete abandoned", err)
		return err
	}

	e.abandoned.Add(1)
	obs.Abandoned(ctx, retryCount, cause)

	m.RetryCount = retryCount
	m.LastError = cause.Error()
	e.notifyAbandoned(m, cause)
	return nil
}

// FlushCritical makes one best-effort attempt at every retryable mutation
// within the flush budget, ignoring backoff schedules. It is meant for
// shutdown: requests still running when the budget expires are cut off
// client-side and their entries stay queued unchanged, although the server
// may still apply them.
func (e *Engine) FlushCritical(ctx context.Context) (RunResult, error) {
	if !e.watcher.Online() {
		e.observer.RunSkipped(ctx, SkipOffline)
		return RunResult{Skipped: true, SkipReason: SkipOffline}, nil
	}
	if !e.processing.CompareAndSwap(false, true) {
		e.observer.RunSkipped(ctx, SkipInProgress)
		return RunResult{Skipped: true, SkipReason: SkipInProgress}, nil
	}
	defer e.processing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, e.config.FlushBudget)
	defer cancel()

	entries, err := e.queue.List(ctx, true)
	if err != nil {
		e.observer.StoreFailed(ctx, "list critical", err)
		return RunResult{}, err
	}
	if len(entries) == 0 {
		return RunResult{}, nil
	}

	ctx, run := e.observer.StartRun(ctx, len(entries), 1)
	storeErr := e.runBatch(ctx, run, entries, true)
	aborted := errors.Is(ctx.Err(), context.DeadlineExceeded) || storeErr != nil
	var attempted, succeeded int
	if storeErr != nil {
		attempted, succeeded = run.Fail(ctx, storeErr)
	} else {
		attempted, succeeded = run.Finish(ctx, aborted)
	}

	return RunResult{
		Pending:   len(entries),
		Attempted: attempted,
		Succeeded: succeeded,
		Aborted:   aborted,
	}, storeErr
}

func responseStatus(resp *ports.SyncResponse, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	var se interface{ HTTPStatus() int }
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return 0
}
