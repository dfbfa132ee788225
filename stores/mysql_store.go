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

// MySQLStore implements outbox.Store on MySQL. The DSN must set
// parseTime=true so timestamp columns scan into time.Time.
type MySQLStore struct {
	db    *sql.DB
	table string
}

type MySQLOption func(*MySQLStore)

func WithMySQLTable(table string) MySQLOption {
	return func(s *MySQLStore) {
		if table != "" {
			s.table = table
		}
	}
}

func NewMySQLStore(db *sql.DB, opts ...MySQLOption) *MySQLStore {
	store := &MySQLStore{
		db:    db,
		table: "pos_outbox",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"id VARCHAR(64) PRIMARY KEY,"+
		"kind VARCHAR(32) NOT NULL,"+
		"payload JSON NOT NULL,"+
		"idempotency_key VARCHAR(128) NOT NULL,"+
		"status VARCHAR(16) NOT NULL DEFAULT 'pending',"+
		"retry_count INT NOT NULL DEFAULT 0,"+
		"max_retries INT NOT NULL DEFAULT 5,"+
		"error_message TEXT,"+
		"remote_id VARCHAR(64),"+
		"created_at DATETIME(6) NOT NULL,"+
		"last_attempt_at DATETIME(6),"+
		"next_attempt_at DATETIME(6) NOT NULL,"+
		"INDEX (status, next_attempt_at)"+
		")", s.tableIdent())
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *MySQLStore) Enqueue(ctx context.Context, op outbox.Operation) error {
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

func (s *MySQLStore) ListPending(ctx context.Context, now time.Time, limit int) ([]outbox.Operation, error) {
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

func (s *MySQLStore) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='processing', last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, at.UTC(), id)
}

func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, remoteID string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='completed', remote_id=?, error_message=NULL, last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, sqlutil.NullString(remoteID), at.UTC(), id)
}

func (s *MySQLStore) MarkRetry(ctx context.Context, id string, reason string, nextAttempt time.Time, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='pending', retry_count=retry_count+1, error_message=?,
              next_attempt_at=?, last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, sqlutil.NullString(reason), nextAttempt.UTC(), at.UTC(), id)
}

func (s *MySQLStore) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='failed', error_message=?, last_attempt_at=?
WHERE id=? AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, sqlutil.NullString(reason), at.UTC(), id)
}

func (s *MySQLStore) Stats(ctx context.Context) (outbox.Stats, error) {
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

func (s *MySQLStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
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

func (s *MySQLStore) exec(ctx context.Context, id string, query string, args ...any) error {
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

func (s *MySQLStore) classifyMiss(ctx context.Context, id string) error {
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
	// MySQL reports zero affected rows for updates that change nothing.
	return nil
}

func (s *MySQLStore) tableIdent() string {
	return sqlutil.QuoteIdentifier(s.table, "`")
}
