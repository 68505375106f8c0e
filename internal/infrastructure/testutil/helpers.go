// Package testutil provides testing utilities and helpers for the taxsync project.
package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/jbctechsolutions/taxsync/internal/adapters/sync/sqlite"
)

// OpenStore opens the SQLite store at path, creating and migrating it if
// needed. The connection is closed when the test ends; tests that reopen the
// same file may close it earlier.
func OpenStore(t testing.TB, path string) (*sqlite.Connection, *sql.DB) {
	t.Helper()
	conn, err := sqlite.NewConnection(path)
	if err != nil {
		t.Fatalf("failed to create store connection: %v", err)
	}
	if err := conn.Open(); err != nil {
		t.Fatalf("failed to open store %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	db, err := conn.DB()
	if err != nil {
		t.Fatalf("failed to get store handle: %v", err)
	}
	return conn, db
}

// NewStore opens a fresh store in a temporary directory.
func NewStore(t testing.TB) *sql.DB {
	t.Helper()
	_, db := OpenStore(t, filepath.Join(t.TempDir(), "taxsync.db"))
	return db
}

// WriteFile writes content to dir/name with owner-only permissions and
// returns the full path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	return path
}

// IsolateHome points HOME at a fresh temporary directory and disables color
// output, so commands resolve ~/.taxsync inside it. It returns the directory.
func IsolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("NO_COLOR", "1")
	return home
}
