package sqlite

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func TestApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := applyMigrations(db); err != nil {
		t.Fatalf("applyMigrations() error = %v", err)
	}

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count)
	if err != nil {
		t.Fatalf("QueryRow() error = %v", err)
	}
	if count != 4 {
		t.Errorf("migrations count = %d, want 4", count)
	}
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := applyMigrations(db); err != nil {
		t.Fatalf("first applyMigrations() error = %v", err)
	}
	if err := applyMigrations(db); err != nil {
		t.Fatalf("second applyMigrations() error = %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count); err != nil {
		t.Fatalf("QueryRow() error = %v", err)
	}
	if count != 4 {
		t.Errorf("migrations count = %d after idempotent run, want 4", count)
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM sync_metadata").Scan(&rows); err != nil {
		t.Fatalf("SELECT sync_metadata error = %v", err)
	}
	if rows != 1 {
		t.Errorf("sync_metadata rows = %d, want 1", rows)
	}
}

func TestPendingMutationsTable(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := applyMigrations(db); err != nil {
		t.Fatalf("applyMigrations() error = %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO pending_mutations (id, timestamp_ms, endpoint, method, form_data)
		VALUES ('m-1', 1700000000000, '/api/returns/r-1', 'PUT', '{"a":1}')
	`)
	if err != nil {
		t.Fatalf("INSERT pending_mutations error = %v", err)
	}

	var (
		schema, retryCount, encrypted int
		version, nextAttempt          int64
		lastError                     string
		calculations                  sql.NullString
	)
	err = db.QueryRow(`
		SELECT payload_schema, retry_count, encrypted, version, next_attempt_ms, last_error, calculations
		FROM pending_mutations WHERE id = 'm-1'
	`).Scan(&schema, &retryCount, &encrypted, &version, &nextAttempt, &lastError, &calculations)
	if err != nil {
		t.Fatalf("SELECT pending_mutations error = %v", err)
	}

	if schema != 1 || retryCount != 0 || encrypted != 0 || version != 0 || nextAttempt != 0 {
		t.Errorf("unexpected defaults: schema=%d retry=%d encrypted=%d version=%d next=%d",
			schema, retryCount, encrypted, version, nextAttempt)
	}
	if lastError != "" {
		t.Errorf("default last_error = %q, want empty", lastError)
	}
	if calculations.Valid {
		t.Error("calculations should default to NULL")
	}
}

func TestSyncMetadataSingleRow(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := applyMigrations(db); err != nil {
		t.Fatalf("applyMigrations() error = %v", err)
	}

	if _, err := db.Exec(`INSERT INTO sync_metadata (id, version) VALUES (2, 0)`); err == nil {
		t.Error("expected CHECK constraint to reject a second metadata row")
	}
}

func TestComputationCacheTable(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := applyMigrations(db); err != nil {
		t.Fatalf("applyMigrations() error = %v", err)
	}

	insert := `INSERT INTO computation_cache (key, inputs, result, created_at_ms) VALUES ('k', '{}', '1', 1)`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("INSERT computation_cache error = %v", err)
	}
	if _, err := db.Exec(insert); err == nil {
		t.Error("expected duplicate key to be rejected")
	}
}

func TestIndices(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := applyMigrations(db); err != nil {
		t.Fatalf("applyMigrations() error = %v", err)
	}

	expectedIndices := []string{
		"idx_pending_mutations_timestamp",
		"idx_pending_mutations_retry",
		"idx_computation_cache_created",
	}

	for _, idx := range expectedIndices {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&name)
		if err == sql.ErrNoRows {
			t.Errorf("index %q was not created", idx)
		} else if err != nil {
			t.Errorf("error checking index %q: %v", idx, err)
		}
	}
}

func TestIsMigrationApplied(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := createMigrationsTable(db); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}

	applied, err := isMigrationApplied(db, 1)
	if err != nil {
		t.Fatalf("isMigrationApplied() error = %v", err)
	}
	if applied {
		t.Error("isMigrationApplied() = true for non-existent migration")
	}

	if err := recordMigration(db, 1, "test_migration"); err != nil {
		t.Fatalf("recordMigration() error = %v", err)
	}

	applied, err = isMigrationApplied(db, 1)
	if err != nil {
		t.Fatalf("isMigrationApplied() error = %v", err)
	}
	if !applied {
		t.Error("isMigrationApplied() = false for applied migration")
	}
}
