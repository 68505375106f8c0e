package ports

import (
	"context"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
)

// MutationQueue persists pending mutations across restarts.
//
// Every method either completes against durable storage or returns an error
// matching errors.ErrStoreUnavailable; nothing is silently dropped.
type MutationQueue interface {
	// Enqueue stores m with RetryCount 0 and Version set to the current
	// metadata version plus one, and returns the stored entry. The write is
	// durable before Enqueue returns.
	Enqueue(ctx context.Context, m mutation.PendingMutation) (mutation.PendingMutation, error)

	// List returns entries ordered by Timestamp ascending. With criticalOnly
	// set, entries with RetryCount >= maxRetries are excluded.
	List(ctx context.Context, criticalOnly bool) ([]mutation.PendingMutation, error)

	// Get returns the entry for id or errors.ErrMutationNotFound.
	Get(ctx context.Context, id string) (mutation.PendingMutation, error)

	// Update applies patch to the entry for id atomically and returns the
	// result.
	Update(ctx context.Context, id string, patch mutation.Patch) (mutation.PendingMutation, error)

	// Delete removes the entry for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Count returns the number of queued entries.
	Count(ctx context.Context) (int, error)
}

// MetadataStore holds the single SyncMetadata record.
type MetadataStore interface {
	// Get returns the current metadata; a fresh store returns the zero value.
	Get(ctx context.Context) (mutation.SyncMetadata, error)

	// RecordSync sets LastSync and raises Version to at least version.
	// Version never decreases.
	RecordSync(ctx context.Context, lastSync time.Time, version int64) (mutation.SyncMetadata, error)
}
