// Package stores provides the persistence backends behind the outbox.Store
// contract. Exactly one backend is selected at startup by the composition
// root; the syncer never branches on the backend in use.
package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tableside/outbox"
	"github.com/tableside/outbox/internal/sqlutil"
)

// SQLiteStore implements outbox.Store on an embedded SQLite database. It is
// the default backend for terminals with native filesystem access.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTable overrides the default table name ("pos_outbox").
func WithSQLiteTable(name string) SQLiteOption {
	return func(s *SQLiteStore) {
		if name != "" {
			s.table = name
		}
	}
}

// NewSQLiteStore creates a Store backed by SQLite.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	store := &SQLiteStore{
		db:    db,
		table: "pos_outbox",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// EnsureSchema creates the outbox table if it does not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    payload BLOB NOT NULL,
    idempotency_key TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 5,
    error_message TEXT,
    remote_id TEXT,
    created_at TIMESTAMP NOT NULL,
    last_attempt_at TIMESTAMP,
    next_attempt_at TIMESTAMP NOT NULL
)`, s.tableIdent())
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	index := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (status, next_attempt_at)",
		sqlutil.QuoteIdentifier(s.table+"_status_idx", `"`), s.tableIdent(),
	)
	_, err := s.db.ExecContext(ctx, index)
	return err
}

// Enqueue inserts a new pending operation. SQLite commits synchronously, so
// the row is on stable storage before Enqueue returns.
func (s *SQLiteStore) Enqueue(ctx context.Context, op outbox.Operation) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, payload, idempotency_key, status, retry_count, max_retries, created_at, next_attempt_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tableIdent())
	_, err := s.db.ExecContext(ctx, query,
		op.ID, string(op.Kind), []byte(op.Payload), op.IdempotencyKey,
		string(outbox.StatusPending), op.RetryCount, op.MaxRetries,
		op.CreatedAt.UTC(), op.NextAttemptAt.UTC(),
	)
	return err
}

// ListPending returns due non-terminal operations, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context, now time.Time, limit int) ([]outbox.Operation, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("stores: list limit must be positive")
	}
	query := fmt.Sprintf(`
SELECT id, kind, payload, idempotency_key, status, retry_count, max_retries,
       error_message, remote_id, created_at, last_attempt_at, next_attempt_at
FROM %s
WHERE status IN ('pending','processing') AND next_attempt_at <= ?
ORDER BY created_at, id
LIMIT ?`, s.tableIdent())
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) { _ = rows.Close() }(rows)
	return scanOperations(rows)
}

// MarkProcessing flags an in-flight delivery attempt.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='processing', last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, at.UTC(), id)
}

// MarkCompleted records a successful delivery.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, remoteID string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='completed', remote_id=?, error_message=NULL, last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, sqlutil.NullString(remoteID), at.UTC(), id)
}

// MarkRetry increments the retry count and reschedules the operation.
func (s *SQLiteStore) MarkRetry(ctx context.Context, id string, reason string, nextAttempt time.Time, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='pending', retry_count=retry_count+1, error_message=?,
              next_attempt_at=?, last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, sqlutil.NullString(reason), nextAttempt.UTC(), at.UTC(), id)
}

// MarkFailed records a permanent failure.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='failed', error_message=?, last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, sqlutil.NullString(reason), at.UTC(), id)
}

// Stats reports aggregate counts.
func (s *SQLiteStore) Stats(ctx context.Context) (outbox.Stats, error) {
	var stats outbox.Stats
	counts := fmt.Sprintf(`
SELECT COUNT(CASE WHEN status IN ('pending','processing') THEN 1 END),
       COUNT(CASE WHEN status = 'failed' THEN 1 END)
FROM %s`, s.tableIdent())
	if err := s.db.QueryRowContext(ctx, counts).Scan(&stats.Pending, &stats.Failed); err != nil {
		return outbox.Stats{}, err
	}
	oldest := fmt.Sprintf(`
SELECT created_at FROM %s
WHERE status IN ('pending','processing')
ORDER BY created_at, id
LIMIT 1`, s.tableIdent())
	var createdAt time.Time
	switch err := s.db.QueryRowContext(ctx, oldest).Scan(&createdAt); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return outbox.Stats{}, err
	default:
		stats.OldestPendingAt = createdAt
	}
	return stats, nil
}

// PurgeOlderThan deletes terminal rows whose last activity predates cutoff.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE status IN ('completed','failed')
  AND COALESCE(last_attempt_at, created_at) < ?`, s.tableIdent())
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// exec runs a guarded single-row update and translates a zero-row result
// into ErrNotFound or ErrTerminal.
func (s *SQLiteStore) exec(ctx context.Context, id string, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) classifyMiss(ctx context.Context, id string) error {
	query := fmt.Sprintf("SELECT status FROM %s WHERE id = ?", s.tableIdent())
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.ErrNotFound
	}
	if err != nil {
		return err
	}
	if outbox.Status(status).Terminal() {
		return outbox.ErrTerminal
	}
	return nil
}

func (s *SQLiteStore) tableIdent() string {
	return sqlutil.QuoteIdentifier(s.table, `"`)
}

// scanOperations reads rows from a full-column SELECT into operations. The
// column order is shared by every SQL backend.
func scanOperations(rows *sql.Rows) ([]outbox.Operation, error) {
	var ops []outbox.Operation
	for rows.Next() {
		var (
			op            outbox.Operation
			kind, status  string
			payload       []byte
			errMsg        sql.NullString
			remoteID      sql.NullString
			lastAttemptAt sql.NullTime
		)
		if err := rows.Scan(
			&op.ID, &kind, &payload, &op.IdempotencyKey, &status,
			&op.RetryCount, &op.MaxRetries, &errMsg, &remoteID,
			&op.CreatedAt, &lastAttemptAt, &op.NextAttemptAt,
		); err != nil {
			return nil, err
		}
		op.Kind = outbox.Kind(kind)
		op.Status = outbox.Status(status)
		op.Payload = append([]byte(nil), payload...)
		op.ErrorMessage = sqlutil.StringOrEmpty(errMsg)
		op.RemoteID = sqlutil.StringOrEmpty(remoteID)
		op.LastAttemptAt = sqlutil.TimeOrZero(lastAttemptAt)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}
