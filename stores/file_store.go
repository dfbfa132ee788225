package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tableside/outbox"
)

// FileStore implements outbox.Store on plain JSON files, one per operation.
// It serves constrained environments where no embedded database is
// available. Writes go to a temp file, are fsynced, then renamed into
// place, so a crash at any point leaves either the old record or the new
// one, never a torn file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// fileRecord is the on-disk shape of an operation.
type fileRecord struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RemoteID       string          `json:"remote_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
}

// NewFileStore creates (if needed) dir and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("stores: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stores: create outbox dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Enqueue writes the operation record durably before returning.
func (s *FileStore) Enqueue(_ context.Context, op outbox.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(op.ID)); err == nil {
		return fmt.Errorf("stores: operation %s already exists", op.ID)
	}
	rec := toRecord(op)
	rec.Status = string(outbox.StatusPending)
	return s.write(rec)
}

// ListPending scans the directory for due non-terminal records, oldest
// first.
func (s *FileStore) ListPending(_ context.Context, now time.Time, limit int) ([]outbox.Operation, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("stores: list limit must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var ops []outbox.Operation
	for _, rec := range recs {
		status := outbox.Status(rec.Status)
		if status.Terminal() || rec.NextAttemptAt.After(now) {
			continue
		}
		ops = append(ops, fromRecord(rec))
	}
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})
	if len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

// MarkProcessing flags an in-flight delivery attempt.
func (s *FileStore) MarkProcessing(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(rec *fileRecord) {
		rec.Status = string(outbox.StatusProcessing)
		setAttempt(rec, at)
	})
}

// MarkCompleted records a successful delivery.
func (s *FileStore) MarkCompleted(_ context.Context, id string, remoteID string, at time.Time) error {
	return s.mutate(id, func(rec *fileRecord) {
		rec.Status = string(outbox.StatusCompleted)
		rec.RemoteID = remoteID
		rec.ErrorMessage = ""
		setAttempt(rec, at)
	})
}

// MarkRetry increments the retry count and reschedules the operation.
func (s *FileStore) MarkRetry(_ context.Context, id string, reason string, nextAttempt time.Time, at time.Time) error {
	return s.mutate(id, func(rec *fileRecord) {
		rec.Status = string(outbox.StatusPending)
		rec.RetryCount++
		rec.ErrorMessage = reason
		rec.NextAttemptAt = nextAttempt.UTC()
		setAttempt(rec, at)
	})
}

// MarkFailed records a permanent failure.
func (s *FileStore) MarkFailed(_ context.Context, id string, reason string, at time.Time) error {
	return s.mutate(id, func(rec *fileRecord) {
		rec.Status = string(outbox.StatusFailed)
		rec.ErrorMessage = reason
		setAttempt(rec, at)
	})
}

// Stats reports aggregate counts.
func (s *FileStore) Stats(_ context.Context) (outbox.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readAll()
	if err != nil {
		return outbox.Stats{}, err
	}
	var stats outbox.Stats
	for _, rec := range recs {
		switch outbox.Status(rec.Status) {
		case outbox.StatusFailed:
			stats.Failed++
		case outbox.StatusCompleted:
		default:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || rec.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.CreatedAt
			}
		}
	}
	return stats, nil
}

// PurgeOlderThan removes terminal record files older than cutoff.
func (s *FileStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readAll()
	if err != nil {
		return 0, err
	}
	var purged int64
	for _, rec := range recs {
		if !outbox.Status(rec.Status).Terminal() {
			continue
		}
		last := rec.CreatedAt
		if rec.LastAttemptAt != nil {
			last = *rec.LastAttemptAt
		}
		if !last.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path(rec.ID)); err != nil {
			return purged, fmt.Errorf("stores: purge %s: %w", rec.ID, err)
		}
		purged++
	}
	return purged, nil
}

func (s *FileStore) mutate(id string, fn func(*fileRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.read(id)
	if err != nil {
		return err
	}
	if outbox.Status(rec.Status).Terminal() {
		return outbox.ErrTerminal
	}
	fn(&rec)
	return s.write(rec)
}

func (s *FileStore) read(id string) (fileRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fileRecord{}, outbox.ErrNotFound
	}
	if err != nil {
		return fileRecord{}, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fileRecord{}, fmt.Errorf("stores: decode record %s: %w", id, err)
	}
	return rec, nil
}

func (s *FileStore) readAll() ([]fileRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var recs []fileRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// write lands the record atomically: temp file, fsync, rename, dir sync.
func (s *FileStore) write(rec fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("stores: encode record %s: %w", rec.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, rec.ID+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(rec.ID)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return s.syncDir()
}

func (s *FileStore) syncDir() error {
	dir, err := os.Open(s.dir)
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()
	return dir.Sync()
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func setAttempt(rec *fileRecord, at time.Time) {
	t := at.UTC()
	rec.LastAttemptAt = &t
}

func toRecord(op outbox.Operation) fileRecord {
	rec := fileRecord{
		ID:             op.ID,
		Kind:           string(op.Kind),
		Payload:        op.Payload,
		IdempotencyKey: op.IdempotencyKey,
		Status:         string(op.Status),
		RetryCount:     op.RetryCount,
		MaxRetries:     op.MaxRetries,
		ErrorMessage:   op.ErrorMessage,
		RemoteID:       op.RemoteID,
		CreatedAt:      op.CreatedAt.UTC(),
		NextAttemptAt:  op.NextAttemptAt.UTC(),
	}
	if !op.LastAttemptAt.IsZero() {
		t := op.LastAttemptAt.UTC()
		rec.LastAttemptAt = &t
	}
	return rec
}

func fromRecord(rec fileRecord) outbox.Operation {
	op := outbox.Operation{
		ID:             rec.ID,
		Kind:           outbox.Kind(rec.Kind),
		Payload:        append(json.RawMessage(nil), rec.Payload...),
		IdempotencyKey: rec.IdempotencyKey,
		Status:         outbox.Status(rec.Status),
		RetryCount:     rec.RetryCount,
		MaxRetries:     rec.MaxRetries,
		ErrorMessage:   rec.ErrorMessage,
		RemoteID:       rec.RemoteID,
		CreatedAt:      rec.CreatedAt,
		NextAttemptAt:  rec.NextAttemptAt,
	}
	if rec.LastAttemptAt != nil {
		op.LastAttemptAt = *rec.LastAttemptAt
	}
	return op
}
