package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore_Migrated(t *testing.T) {
	db := NewStore(t)

	for _, table := range []string{"pending_mutations", "sync_metadata", "computation_cache"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestOpenStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxsync.db")

	conn, db := OpenStore(t, path)
	_, err := db.Exec(`CREATE TABLE marker (id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, db = OpenStore(t, path)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM marker`).Scan(&n))
	assert.Zero(t, n)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()

	path := WriteFile(t, dir, "status", "online\n")
	assert.Equal(t, filepath.Join(dir, "status"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "online\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestIsolateHome(t *testing.T) {
	home := IsolateHome(t)

	got, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, home, got)
	assert.Equal(t, "1", os.Getenv("NO_COLOR"))
}
