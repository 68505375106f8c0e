package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
)

// Compile-time check that MetadataRepository implements MetadataStore.
var _ ports.MetadataStore = (*MetadataRepository)(nil)

// MetadataRepository stores the single sync_metadata row.
type MetadataRepository struct {
	db *sql.DB
}

// NewMetadataRepository creates a new metadata repository.
func NewMetadataRepository(db *sql.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

// Get returns the current metadata. LastSync is zero until the first sync.
func (r *MetadataRepository) Get(ctx context.Context) (mutation.SyncMetadata, error) {
	md, err := scanMetadata(r.db.QueryRowContext(ctx, `SELECT last_sync_ms, version FROM sync_metadata WHERE id = 1`))
	if err != nil {
		return mutation.SyncMetadata{}, domainErrors.Storage("get sync metadata", err)
	}
	return md, nil
}

// RecordSync stores lastSync and raises the version to at least version.
func (r *MetadataRepository) RecordSync(ctx context.Context, lastSync time.Time, version int64) (mutation.SyncMetadata, error) {
	md, err := scanMetadata(r.db.QueryRowContext(ctx, `
		UPDATE sync_metadata
		SET last_sync_ms = ?, version = MAX(version, ?)
		WHERE id = 1
		RETURNING last_sync_ms, version
	`, lastSync.UnixMilli(), version))
	if err != nil {
		return mutation.SyncMetadata{}, domainErrors.Storage("record sync", err)
	}
	return md, nil
}

func scanMetadata(row *sql.Row) (mutation.SyncMetadata, error) {
	var (
		md         mutation.SyncMetadata
		lastSyncMs int64
	)
	if err := row.Scan(&lastSyncMs, &md.Version); err != nil {
		return md, err
	}
	if lastSyncMs > 0 {
		md.LastSync = time.UnixMilli(lastSyncMs)
	}
	return md, nil
}
