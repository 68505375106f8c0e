// Package storage provides SQLite-backed repositories for the pending mutation
// queue and the sync metadata record.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
)

// Compile-time check that MutationQueueRepository implements MutationQueue.
var _ ports.MutationQueue = (*MutationQueueRepository)(nil)

// PayloadSealer encrypts payload columns at rest. The row id is bound as
// associated data so ciphertext cannot be moved between rows.
type PayloadSealer interface {
	Seal(plaintext, associated []byte) (string, error)
	Open(encoded string, associated []byte) ([]byte, error)
}

// QueueOption configures a MutationQueueRepository.
type QueueOption func(*MutationQueueRepository)

// WithEncryption seals form data and calculations before they are written.
// Rows written without a sealer stay readable after one is configured.
func WithEncryption(s PayloadSealer) QueueOption {
	return func(r *MutationQueueRepository) {
		r.sealer = s
	}
}

// WithMaxRetries sets the ceiling used by List(ctx, true).
func WithMaxRetries(n int) QueueOption {
	return func(r *MutationQueueRepository) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithClock sets the time source used to stamp mutations enqueued without a
// timestamp.
func WithClock(now func() time.Time) QueueOption {
	return func(r *MutationQueueRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides the id assigned to new entries.
func WithIDGenerator(gen func() string) QueueOption {
	return func(r *MutationQueueRepository) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// MutationQueueRepository implements MutationQueue using SQLite.
type MutationQueueRepository struct {
	db         *sql.DB
	sealer     PayloadSealer
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// NewMutationQueueRepository creates a new mutation queue repository.
func NewMutationQueueRepository(db *sql.DB, opts ...QueueOption) *MutationQueueRepository {
	r := &MutationQueueRepository{
		db:         db,
		maxRetries: mutation.DefaultMaxRetries,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const selectMutationColumns = `
	SELECT id, timestamp_ms, endpoint, method, payload_schema, form_data, calculations,
		   encrypted, retry_count, last_error, version, next_attempt_ms
	FROM pending_mutations
`

// Enqueue persists m. The metadata version is bumped in the same transaction
// and stamped on the entry, so versions are unique and increasing.
func (r *MutationQueueRepository) Enqueue(ctx context.Context, m mutation.PendingMutation) (mutation.PendingMutation, error) {
	m.Method = strings.ToUpper(m.Method)
	if err := m.Validate(); err != nil {
		return mutation.PendingMutation{}, err
	}

	if m.ID == "" {
		m.ID = r.newID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.now()
	}
	if m.Payload.Schema == 0 {
		m.Payload.Schema = mutation.CurrentSchema
	}
	m.Timestamp = time.UnixMilli(m.Timestamp.UnixMilli())
	m.RetryCount = 0
	m.LastError = ""
	m.NextAttemptAt = time.Time{}

	formData, calculations, encrypted, err := r.encodePayload(m.ID, m.Payload)
	if err != nil {
		return mutation.PendingMutation{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mutation.PendingMutation{}, domainErrors.Storage("begin enqueue", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`UPDATE sync_metadata SET version = version + 1 WHERE id = 1 RETURNING version`,
	).Scan(&m.Version); err != nil {
		return mutation.PendingMutation{}, domainErrors.Storage("bump version", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_mutations (
			id, timestamp_ms, endpoint, method, payload_schema, form_data, calculations,
			encrypted, retry_count, last_error, version, next_attempt_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, 0)
	`,
		m.ID,
		m.Timestamp.UnixMilli(),
		m.Endpoint,
		m.Method,
		m.Payload.Schema,
		formData,
		calculations,
		encrypted,
		m.Version,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return mutation.PendingMutation{}, domainErrors.NewError(domainErrors.CodeValidation, fmt.Sprintf("mutation already queued: %s", m.ID), err)
		}
		return mutation.PendingMutation{}, domainErrors.Storage("insert mutation", err)
	}

	if err := tx.Commit(); err != nil {
		return mutation.PendingMutation{}, domainErrors.Storage("commit enqueue", err)
	}

	return m, nil
}

// List returns queued entries oldest first. Entries sharing a timestamp come
// back in insertion order.
func (r *MutationQueueRepository) List(ctx context.Context, criticalOnly bool) ([]mutation.PendingMutation, error) {
	query := selectMutationColumns
	var args []any
	if criticalOnly {
		query += ` WHERE retry_count < ?`
		args = append(args, r.maxRetries)
	}
	query += ` ORDER BY timestamp_ms ASC, rowid ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domainErrors.Storage("list mutations", err)
	}
	defer rows.Close()

	var out []mutation.PendingMutation
	for rows.Next() {
		m, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domainErrors.Storage("list mutations", err)
	}
	return out, nil
}

// Get retrieves a mutation by id.
func (r *MutationQueueRepository) Get(ctx context.Context, id string) (mutation.PendingMutation, error) {
	return r.get(ctx, r.db, id)
}

// Update applies patch to the stored entry inside a transaction.
func (r *MutationQueueRepository) Update(ctx context.Context, id string, patch mutation.Patch) (mutation.PendingMutation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mutation.PendingMutation{}, domainErrors.Storage("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := r.get(ctx, tx, id)
	if err != nil {
		return mutation.PendingMutation{}, err
	}
	updated := patch.Apply(current)

	formData, calculations, encrypted, err := r.encodePayload(updated.ID, updated.Payload)
	if err != nil {
		return mutation.PendingMutation{}, err
	}

	var nextAttempt int64
	if !updated.NextAttemptAt.IsZero() {
		nextAttempt = updated.NextAttemptAt.UnixMilli()
		updated.NextAttemptAt = time.UnixMilli(nextAttempt)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_mutations
		SET payload_schema = ?, form_data = ?, calculations = ?, encrypted = ?,
			retry_count = ?, last_error = ?, version = ?, next_attempt_ms = ?
		WHERE id = ?
	`,
		updated.Payload.Schema,
		formData,
		calculations,
		encrypted,
		updated.RetryCount,
		updated.LastError,
		updated.Version,
		nextAttempt,
		id,
	)
	if err != nil {
		return mutation.PendingMutation{}, domainErrors.Storage("update mutation", err)
	}

	if err := tx.Commit(); err != nil {
		return mutation.PendingMutation{}, domainErrors.Storage("commit update", err)
	}
	return updated, nil
}

// Delete removes a mutation. Missing ids are ignored.
func (r *MutationQueueRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return domainErrors.Storage("delete mutation", err)
	}
	return nil
}

// Count returns the number of queued mutations.
func (r *MutationQueueRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, domainErrors.Storage("count mutations", err)
	}
	return n, nil
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *MutationQueueRepository) get(ctx context.Context, q queryRower, id string) (mutation.PendingMutation, error) {
	m, err := r.scanRow(q.QueryRowContext(ctx, selectMutationColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return mutation.PendingMutation{}, domainErrors.NewError(
			domainErrors.CodeNotFound,
			fmt.Sprintf("pending mutation not found: %s", id),
			domainErrors.ErrMutationNotFound,
		)
	}
	if err != nil {
		return mutation.PendingMutation{}, err
	}
	return m, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *MutationQueueRepository) scanRow(row scanner) (mutation.PendingMutation, error) {
	var (
		m                   mutation.PendingMutation
		timestampMs, nextMs int64
		formData            string
		calculations        sql.NullString
		encrypted           bool
	)

	err := row.Scan(
		&m.ID,
		&timestampMs,
		&m.Endpoint,
		&m.Method,
		&m.Payload.Schema,
		&formData,
		&calculations,
		&encrypted,
		&m.RetryCount,
		&m.LastError,
		&m.Version,
		&nextMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return m, err
	}
	if err != nil {
		return m, domainErrors.Storage("scan mutation", err)
	}

	m.Timestamp = time.UnixMilli(timestampMs)
	if nextMs > 0 {
		m.NextAttemptAt = time.UnixMilli(nextMs)
	}

	m.Payload.FormData, err = r.decodeField(m.ID, formData, encrypted)
	if err != nil {
		return m, err
	}
	if calculations.Valid {
		m.Payload.Calculations, err = r.decodeField(m.ID, calculations.String, encrypted)
		if err != nil {
			return m, err
		}
	}
	return m, nil
}

// encodePayload renders the payload columns. Raw bytes are stored as-is so a
// restart returns them byte for byte.
func (r *MutationQueueRepository) encodePayload(id string, p mutation.Payload) (string, sql.NullString, bool, error) {
	formData, err := r.encodeField(id, p.FormData)
	if err != nil {
		return "", sql.NullString{}, false, err
	}

	var calculations sql.NullString
	if len(p.Calculations) > 0 {
		enc, err := r.encodeField(id, p.Calculations)
		if err != nil {
			return "", sql.NullString{}, false, err
		}
		calculations = sql.NullString{String: enc, Valid: true}
	}
	return formData, calculations, r.sealer != nil, nil
}

func (r *MutationQueueRepository) encodeField(id string, raw json.RawMessage) (string, error) {
	if r.sealer == nil {
		return string(raw), nil
	}
	sealed, err := r.sealer.Seal(raw, []byte(id))
	if err != nil {
		return "", domainErrors.Storage("seal payload", err)
	}
	return sealed, nil
}

func (r *MutationQueueRepository) decodeField(id, stored string, encrypted bool) (json.RawMessage, error) {
	if !encrypted {
		return json.RawMessage(stored), nil
	}
	if r.sealer == nil {
		return nil, domainErrors.Storage("open payload", fmt.Errorf("mutation %s is encrypted and no key is configured", id))
	}
	plain, err := r.sealer.Open(stored, []byte(id))
	if err != nil {
		return nil, domainErrors.Storage("open payload", err)
	}
	return json.RawMessage(plain), nil
}
