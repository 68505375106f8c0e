package sqlite

import (
	"database/sql"
	"fmt"
)

// applyMigrations applies all database migrations in order.
func applyMigrations(db *sql.DB) error {
	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("could not enable foreign keys: %w", err)
	}

	// Create migrations table
	if err := createMigrationsTable(db); err != nil {
		return err
	}

	// Apply each migration
	migrations := []struct {
		version int
		name    string
		sql     string
	}{
		{1, "create_pending_mutations_table", createPendingMutationsTable},
		{2, "create_sync_metadata_table", createSyncMetadataTable},
		{3, "create_computation_cache_table", createComputationCacheTable},
		{4, "create_indices", createIndices},
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(db, m.version)
		if err != nil {
			return fmt.Errorf("could not check migration %d: %w", m.version, err)
		}

		if applied {
			continue
		}

		// Apply migration
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("could not apply migration %d (%s): %w", m.version, m.name, err)
		}

		// Record migration
		if err := recordMigration(db, m.version, m.name); err != nil {
			return fmt.Errorf("could not record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// createMigrationsTable creates the migrations tracking table.
func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// isMigrationApplied checks if a migration has been applied.
func isMigrationApplied(db *sql.DB, version int) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM migrations WHERE version = ?", version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// recordMigration records that a migration has been applied.
func recordMigration(db *sql.DB, version int, name string) error {
	_, err := db.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", version, name)
	return err
}

// Migration SQL statements

// Timestamps are stored as Unix milliseconds so ordering and TTL checks are
// plain integer comparisons.

const createPendingMutationsTable = `
CREATE TABLE pending_mutations (
	id TEXT PRIMARY KEY,
	timestamp_ms INTEGER NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	payload_schema INTEGER NOT NULL DEFAULT 1,
	form_data TEXT NOT NULL,
	calculations TEXT,
	encrypted INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	next_attempt_ms INTEGER NOT NULL DEFAULT 0
)
`

const createSyncMetadataTable = `
CREATE TABLE sync_metadata (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync_ms INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0
);
INSERT INTO sync_metadata (id, last_sync_ms, version) VALUES (1, 0, 0);
`

const createComputationCacheTable = `
CREATE TABLE computation_cache (
	key TEXT PRIMARY KEY,
	inputs TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
)
`

const createIndices = `
CREATE INDEX idx_pending_mutations_timestamp ON pending_mutations(timestamp_ms);
CREATE INDEX idx_pending_mutations_retry ON pending_mutations(retry_count);
CREATE INDEX idx_computation_cache_created ON computation_cache(created_at_ms);
`
