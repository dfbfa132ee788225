package outbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the operation id is unknown to the store.
	ErrNotFound = errors.New("outbox: operation not found")
	// ErrTerminal indicates a mutation was attempted on a completed or
	// failed operation. Terminal rows are immutable.
	ErrTerminal = errors.New("outbox: operation already in a terminal state")
)

// Stats aggregates outbox counts for status reporting.
type Stats struct {
	// Pending counts operations not yet in a terminal state.
	Pending int
	// Failed counts permanently failed operations.
	Failed int
	// OldestPendingAt is the creation time of the oldest non-terminal
	// operation, zero when the outbox is drained.
	OldestPendingAt time.Time
}

// Store is the durable persistence contract behind the outbox. Exactly one
// implementation is active per process, selected at startup.
//
// Every method that fails with a storage error leaves the affected row
// untouched; the syncer treats such failures as "try again later", never as
// an operation failure.
type Store interface {
	// Enqueue persists a new pending operation. The write must be durable
	// before Enqueue returns so a crash immediately after cannot lose it.
	Enqueue(ctx context.Context, op Operation) error

	// ListPending returns non-terminal operations whose NextAttemptAt is at
	// or before now, ordered by creation time ascending (FIFO).
	ListPending(ctx context.Context, now time.Time, limit int) ([]Operation, error)

	// MarkProcessing records that a delivery attempt is in flight.
	MarkProcessing(ctx context.Context, id string, at time.Time) error

	// MarkCompleted records a successful delivery and the remote-assigned id.
	MarkCompleted(ctx context.Context, id string, remoteID string, at time.Time) error

	// MarkRetry increments the retry count, stores the failure reason, and
	// resets the operation to pending with the given next attempt time.
	MarkRetry(ctx context.Context, id string, reason string, nextAttempt time.Time, at time.Time) error

	// MarkFailed records a permanent failure.
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) error

	// Stats reports aggregate counts for the status surface.
	Stats(ctx context.Context) (Stats, error)

	// PurgeOlderThan deletes terminal operations whose last activity is
	// before cutoff and returns how many rows were removed. Non-terminal
	// rows are never purged.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
