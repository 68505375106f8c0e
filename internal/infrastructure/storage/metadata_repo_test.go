package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/testutil"
)

func TestMetadata_FreshStore(t *testing.T) {
	conn, db := testutil.OpenStore(t, filepath.Join(t.TempDir(), "taxsync.db"))
	defer conn.Close()

	md, err := NewMetadataRepository(db).Get(context.Background())
	require.NoError(t, err)
	assert.True(t, md.LastSync.IsZero())
	assert.Zero(t, md.Version)
}

func TestMetadata_RecordSyncNeverLowersVersion(t *testing.T) {
	ctx := context.Background()
	conn, db := testutil.OpenStore(t, filepath.Join(t.TempDir(), "taxsync.db"))
	defer conn.Close()
	repo := NewMetadataRepository(db)

	md, err := repo.RecordSync(ctx, testutil.Epoch, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), md.Version)
	assert.True(t, md.LastSync.Equal(testutil.Epoch))

	later := testutil.Epoch.Add(time.Minute)
	md, err = repo.RecordSync(ctx, later, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), md.Version)
	assert.True(t, md.LastSync.Equal(later))

	got, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, md, got)
}

func TestMetadata_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "taxsync.db")

	conn, db := testutil.OpenStore(t, path)
	_, err := NewMetadataRepository(db).RecordSync(ctx, testutil.Epoch, 42)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, db = testutil.OpenStore(t, path)
	defer conn.Close()
	md, err := NewMetadataRepository(db).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), md.Version)
}

func TestMetadata_StoreUnavailable(t *testing.T) {
	conn, db := testutil.OpenStore(t, filepath.Join(t.TempDir(), "taxsync.db"))
	repo := NewMetadataRepository(db)
	require.NoError(t, conn.Close())

	_, err := repo.Get(context.Background())
	assert.True(t, domainErrors.IsStorage(err))
}
