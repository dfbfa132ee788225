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

// PostgresStore implements outbox.Store on PostgreSQL, for back-office hub
// deployments where several terminals share one database.
type PostgresStore struct {
	db    *sql.DB
	table string
}

type PostgresOption func(*PostgresStore)

func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	store := &PostgresStore{
		db:    db,
		table: "pos_outbox",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    payload JSONB NOT NULL,
    idempotency_key TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 5,
    error_message TEXT,
    remote_id TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    last_attempt_at TIMESTAMPTZ,
    next_attempt_at TIMESTAMPTZ NOT NULL
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

func (s *PostgresStore) Enqueue(ctx context.Context, op outbox.Operation) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, payload, idempotency_key, status, retry_count, max_retries, created_at, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.tableIdent())
	_, err := s.db.ExecContext(ctx, query,
		op.ID, string(op.Kind), []byte(op.Payload), op.IdempotencyKey,
		string(outbox.StatusPending), op.RetryCount, op.MaxRetries,
		op.CreatedAt.UTC(), op.NextAttemptAt.UTC(),
	)
	return err
}

func (s *PostgresStore) ListPending(ctx context.Context, now time.Time, limit int) ([]outbox.Operation, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("stores: list limit must be positive")
	}
	query := fmt.Sprintf(`
SELECT id, kind, payload, idempotency_key, status, retry_count, max_retries,
       error_message, remote_id, created_at, last_attempt_at, next_attempt_at
FROM %s
WHERE status IN ('pending','processing') AND next_attempt_at <= $1
ORDER BY created_at, id
LIMIT $2`, s.tableIdent())
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) { _ = rows.Close() }(rows)
	return scanOperations(rows)
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='processing', last_attempt_at=$2
WHERE id=$1 AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, id, at.UTC())
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, remoteID string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='completed', remote_id=$2, error_message=NULL, last_attempt_at=$3
WHERE id=$1 AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, id, sqlutil.NullString(remoteID), at.UTC())
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, reason string, nextAttempt time.Time, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='pending', retry_count=retry_count+1, error_message=$2,
              next_attempt_at=$3, last_attempt_at=$4
WHERE id=$1 AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, id, sqlutil.NullString(reason), nextAttempt.UTC(), at.UTC())
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status='failed', error_message=$2, last_attempt_at=$3
WHERE id=$1 AND status NOT IN ('completed','failed')`, s.tableIdent())
	return s.exec(ctx, id, query, id, sqlutil.NullString(reason), at.UTC())
}

func (s *PostgresStore) Stats(ctx context.Context) (outbox.Stats, error) {
	var stats outbox.Stats
	counts := fmt.Sprintf(`
SELECT COUNT(*) FILTER (WHERE status IN ('pending','processing')),
       COUNT(*) FILTER (WHERE status = 'failed')
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

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE status IN ('completed','failed')
  AND COALESCE(last_attempt_at, created_at) < $1`, s.tableIdent())
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) exec(ctx context.Context, id string, query string, args ...any) error {
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

func (s *PostgresStore) classifyMiss(ctx context.Context, id string) error {
	query := fmt.Sprintf("SELECT status FROM %s WHERE id = $1", s.tableIdent())
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

func (s *PostgresStore) tableIdent() string {
	return sqlutil.QuoteIdentifier(s.table, `"`)
}
