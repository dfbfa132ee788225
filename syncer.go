package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Logger captures Syncer logs; implementors can wrap slog/logrus/etc.
type Logger interface {
	Info(ctx context.Context, format string, v ...any)
	Warn(ctx context.Context, format string, v ...any)
	Error(ctx context.Context, format string, v ...any)
}

// Options configure Syncer behaviour and tuning knobs.
type Options struct {
	// Concurrency caps how many delivery attempts run in flight at once.
	Concurrency int
	// ListLimit controls how many operations a pass pulls from the store.
	ListLimit int
	// SyncInterval is the period of the background re-sync tick.
	SyncInterval time.Duration
	// BatchPause is the pause between successive delivery batches so a
	// flood of queued operations does not saturate the remote service.
	BatchPause time.Duration
	// Retention is how long completed and failed operations are kept
	// before the periodic cleanup removes them.
	Retention time.Duration
	// PurgeInterval is the period of the cleanup tick.
	PurgeInterval time.Duration
	// Backoff computes the retry delay based on the failed attempt count.
	Backoff Backoff
	// Logger emits structured logs for syncer activity.
	Logger Logger
	// Hooks receive lifecycle callbacks for instrumentation.
	Hooks Hooks
	// Now supplies the current time; override for deterministic tests.
	Now func() time.Time
	// Schedule arranges for fn to run after d; override for deterministic
	// tests. The default uses time.AfterFunc.
	Schedule func(d time.Duration, fn func())
	// DeviceID identifies this terminal in logs.
	DeviceID string
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.ListLimit <= 0 {
		o.ListLimit = 100
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
	if o.BatchPause <= 0 {
		o.BatchPause = 100 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff()
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = noopHooks{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Schedule == nil {
		o.Schedule = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	if o.DeviceID == "" {
		o.DeviceID = randomDeviceID()
	}
}

// Syncer coordinates pulling pending operations from the store and
// delivering them to the remote service. Construct it explicitly and call
// Run from the application's composition root; there is no package-level
// instance.
type Syncer struct {
	store  Store
	client DeliveryClient
	pub    *Publisher
	opts   Options

	online  atomic.Bool
	syncing atomic.Bool

	mu          sync.Mutex
	active      map[string]struct{}
	lastAttempt time.Time
	lastSuccess time.Time

	nudge chan struct{}
}

// NewSyncer wires a Store and DeliveryClient with the provided options.
func NewSyncer(store Store, client DeliveryClient, opts Options) *Syncer {
	opts.setDefaults()
	s := &Syncer{
		store:  store,
		client: client,
		pub:    NewPublisher(),
		opts:   opts,
		active: make(map[string]struct{}),
		nudge:  make(chan struct{}, 1),
	}
	s.online.Store(true)
	return s
}

// Enqueue persists op and nudges the sync loop. It returns as soon as the
// record is durable; delivery happens asynchronously. op must come from one
// of the New* constructors. Zero creation and first-attempt times are
// stamped from the configured clock so all time sources agree.
func (s *Syncer) Enqueue(ctx context.Context, op Operation) (string, error) {
	if op.ID == "" || !op.Kind.Valid() {
		return "", fmt.Errorf("outbox: operation is not well formed (kind %q)", op.Kind)
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.opts.Now().UTC()
	}
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = op.CreatedAt
	}
	if err := s.store.Enqueue(ctx, op); err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	if s.online.Load() {
		s.TriggerSync()
	}
	return op.ID, nil
}

// SetOnline records a network reachability transition. Going offline halts
// delivery; coming back online triggers an immediate pass. The syncer keeps
// this flag as the single source of truth for reachability.
func (s *Syncer) SetOnline(online bool) {
	was := s.online.Swap(online)
	if online == was {
		return
	}
	if online {
		s.opts.Logger.Info(context.Background(), "device %s back online, triggering sync", s.opts.DeviceID)
		s.TriggerSync()
	} else {
		s.opts.Logger.Info(context.Background(), "device %s offline, queueing locally", s.opts.DeviceID)
	}
}

// Online reports the last known reachability state.
func (s *Syncer) Online() bool {
	return s.online.Load()
}

// TriggerSync nudges the run loop to start a pass. Triggers received while
// a pass is already running are coalesced into at most one follow-up pass.
func (s *Syncer) TriggerSync() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Subscribe registers a status callback and returns a cancel function.
func (s *Syncer) Subscribe(fn func(StatusSnapshot)) func() {
	return s.pub.Subscribe(fn)
}

// Status reports the current sync state for UI consumption.
func (s *Syncer) Status(ctx context.Context) (StatusSnapshot, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("outbox: stats: %w", err)
	}
	s.mu.Lock()
	lastAttempt, lastSuccess := s.lastAttempt, s.lastSuccess
	s.mu.Unlock()
	return StatusSnapshot{
		IsOnline:           s.online.Load(),
		IsSyncing:          s.syncing.Load(),
		Pending:            stats.Pending,
		Failed:             stats.Failed,
		OldestPendingAt:    stats.OldestPendingAt,
		LastSyncAttempt:    lastAttempt,
		LastSuccessfulSync: lastSuccess,
		Errors:             s.pub.Errors(),
	}, nil
}

// Run processes operations until the context is cancelled. It reacts to
// nudges (enqueue, reachability transitions, retry schedules) and to the
// periodic re-sync and cleanup ticks.
func (s *Syncer) Run(ctx context.Context) error {
	sync := time.NewTicker(s.opts.SyncInterval)
	defer sync.Stop()
	purge := time.NewTicker(s.opts.PurgeInterval)
	defer purge.Stop()

	s.opts.Logger.Info(ctx, "syncer started (device=%s concurrency=%d)", s.opts.DeviceID, s.opts.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.nudge:
		case <-sync.C:
		case <-purge.C:
			s.purge(ctx)
			continue
		}
		if err := s.SyncOnce(ctx); err != nil {
			s.opts.Logger.Error(ctx, "sync pass error: %v", err)
		}
	}
}

// SyncOnce runs a single synchronization pass. Only one pass runs at a
// time; a call while a pass is in progress returns immediately.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if !s.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.syncing.Store(false)

	start := s.opts.Now().UTC()
	s.mu.Lock()
	s.lastAttempt = start
	s.mu.Unlock()

	if !s.online.Load() {
		return nil
	}

	ops, err := s.store.ListPending(ctx, start, s.opts.ListLimit)
	if err != nil {
		s.opts.Hooks.OnStoreError(ctx, "list_pending", "", err)
		return fmt.Errorf("outbox: list pending: %w", err)
	}
	s.opts.Hooks.OnListPending(ctx, s.opts.ListLimit, len(ops))
	s.publish(ctx)

	for i := 0; i < len(ops); i += s.opts.Concurrency {
		end := i + s.opts.Concurrency
		if end > len(ops) {
			end = len(ops)
		}
		var wg sync.WaitGroup
		for _, op := range ops[i:end] {
			if !s.claim(op.ID) {
				continue
			}
			wg.Add(1)
			go func(op Operation) {
				defer wg.Done()
				defer s.release(op.ID)
				s.deliver(ctx, op)
			}(op)
		}
		wg.Wait()

		if end < len(ops) {
			paused := make(chan struct{})
			s.opts.Schedule(s.opts.BatchPause, func() { close(paused) })
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-paused:
			}
		}
	}

	s.mu.Lock()
	s.lastSuccess = s.opts.Now().UTC()
	s.mu.Unlock()
	s.opts.Hooks.OnPass(ctx, s.opts.Now().UTC().Sub(start))
	s.publish(ctx)
	return nil
}

// claim adds id to the active set; it refuses ids already owned by an
// in-flight delivery so no two attempts run for the same operation.
func (s *Syncer) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Syncer) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// deliver runs one attempt for op: mark processing, dispatch, and record
// the outcome. Storage failures leave the row for a later pass.
func (s *Syncer) deliver(ctx context.Context, op Operation) {
	if err := s.store.MarkProcessing(ctx, op.ID, s.opts.Now().UTC()); err != nil {
		s.opts.Hooks.OnStoreError(ctx, "mark_processing", op.ID, err)
		s.opts.Logger.Error(ctx, "mark processing id=%s: %v", op.ID, err)
		return
	}

	remoteID, err := s.dispatch(ctx, op)
	if err != nil {
		s.handleFailure(ctx, op, err)
		return
	}

	if err := s.store.MarkCompleted(ctx, op.ID, remoteID, s.opts.Now().UTC()); err != nil {
		s.opts.Hooks.OnStoreError(ctx, "mark_completed", op.ID, err)
		s.opts.Logger.Error(ctx, "mark completed id=%s: %v", op.ID, err)
		return
	}
	s.opts.Hooks.OnDeliverSuccess(ctx, op)
	s.opts.Logger.Info(ctx, "operation %s (%s) delivered, remote id %s", op.ID, op.Kind, remoteID)
}

// dispatch decodes the payload and invokes the endpoint for op's kind.
func (s *Syncer) dispatch(ctx context.Context, op Operation) (string, error) {
	switch op.Kind {
	case KindCreateOrder:
		var p OrderPayload
		if err := op.DecodePayload(&p); err != nil {
			return "", Permanent(fmt.Errorf("outbox: decode order payload: %w", err))
		}
		return s.client.CreateOrder(ctx, p, op.IdempotencyKey)
	case KindUpdateOrderStatus:
		var p OrderStatusPayload
		if err := op.DecodePayload(&p); err != nil {
			return "", Permanent(fmt.Errorf("outbox: decode status payload: %w", err))
		}
		return "", s.client.UpdateOrderStatus(ctx, p.OrderID, p.Status, op.IdempotencyKey)
	case KindCreatePayment:
		var p PaymentPayload
		if err := op.DecodePayload(&p); err != nil {
			return "", Permanent(fmt.Errorf("outbox: decode payment payload: %w", err))
		}
		return "", s.client.CreatePayment(ctx, p.OrderID, p, op.IdempotencyKey)
	default:
		return "", Permanent(fmt.Errorf("outbox: unknown operation kind %q", op.Kind))
	}
}

// handleFailure decides whether to reschedule op or fail it permanently.
func (s *Syncer) handleFailure(ctx context.Context, op Operation, deliverErr error) {
	s.opts.Hooks.OnDeliverFailure(ctx, op, deliverErr)
	now := s.opts.Now().UTC()

	if Retryable(deliverErr) && op.RetryCount < op.MaxRetries {
		delay := s.opts.Backoff(op.RetryCount)
		next := now.Add(delay)
		if err := s.store.MarkRetry(ctx, op.ID, deliverErr.Error(), next, now); err != nil {
			s.opts.Hooks.OnStoreError(ctx, "mark_retry", op.ID, err)
			s.opts.Logger.Error(ctx, "mark retry id=%s: %v (original err: %v)", op.ID, err, deliverErr)
			return
		}
		s.opts.Hooks.OnRetry(ctx, op, op.RetryCount+1, delay)
		s.opts.Logger.Warn(ctx, "operation %s scheduled for retry #%d in %s: %v", op.ID, op.RetryCount+1, delay, deliverErr)
		s.opts.Schedule(delay, s.TriggerSync)
		return
	}

	if err := s.store.MarkFailed(ctx, op.ID, deliverErr.Error(), now); err != nil {
		s.opts.Hooks.OnStoreError(ctx, "mark_failed", op.ID, err)
		s.opts.Logger.Error(ctx, "mark failed id=%s: %v (original err: %v)", op.ID, err, deliverErr)
		return
	}
	s.opts.Hooks.OnFail(ctx, op, deliverErr)
	s.pub.RecordError(fmt.Sprintf("%s %s: %v", op.Kind, op.ID, deliverErr))
	s.opts.Logger.Warn(ctx, "operation %s failed permanently after %d retries: %v", op.ID, op.RetryCount, deliverErr)
}

// purge removes terminal operations older than the retention window.
func (s *Syncer) purge(ctx context.Context) {
	cutoff := s.opts.Now().UTC().Add(-s.opts.Retention)
	n, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.opts.Hooks.OnStoreError(ctx, "purge", "", err)
		s.opts.Logger.Error(ctx, "purge: %v", err)
		return
	}
	if n > 0 {
		s.opts.Logger.Info(ctx, "purged %d completed/failed operations", n)
	}
}

// publish recomputes aggregate stats and notifies subscribers.
func (s *Syncer) publish(ctx context.Context) {
	snap, err := s.Status(ctx)
	if err != nil {
		s.opts.Logger.Error(ctx, "status snapshot: %v", err)
		return
	}
	s.pub.Publish(snap)
}

// noopLogger discards all syncer logs.
type noopLogger struct{}

// Info implements Logger.
func (noopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (noopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (noopLogger) Error(context.Context, string, ...any) {}
