package stores_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tableside/outbox"
)

var suiteBase = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// suiteOp builds an operation with a controlled creation time so ordering
// assertions are deterministic across backends.
func suiteOp(id string, createdAt time.Time) outbox.Operation {
	return outbox.Operation{
		ID:             id,
		Kind:           outbox.KindCreateOrder,
		Payload:        json.RawMessage(`{"items":[{"name":"pad thai","quantity":1,"unit_price":1100}],"total":1100}`),
		IdempotencyKey: outbox.IdempotencyKey(outbox.KindCreateOrder, id),
		Status:         outbox.StatusPending,
		MaxRetries:     outbox.DefaultMaxRetries,
		CreatedAt:      createdAt,
		NextAttemptAt:  createdAt,
	}
}

// runStoreSuite exercises the Store contract against a backend. Every
// backend must pass the exact same suite.
func runStoreSuite(t *testing.T, store outbox.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("list pending is fifo", func(t *testing.T) {
		// Enqueue out of creation order; listing must come back oldest first.
		for _, i := range []int{2, 0, 1} {
			op := suiteOp(fmt.Sprintf("fifo-%d", i), suiteBase.Add(time.Duration(i)*time.Second))
			if err := store.Enqueue(ctx, op); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		ops, err := store.ListPending(ctx, suiteBase.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(ops) != 3 {
			t.Fatalf("len(ops) = %d, want 3", len(ops))
		}
		for i, op := range ops {
			if want := fmt.Sprintf("fifo-%d", i); op.ID != want {
				t.Fatalf("ops[%d].ID = %s, want %s", i, op.ID, want)
			}
		}

		limited, err := store.ListPending(ctx, suiteBase.Add(time.Minute), 2)
		if err != nil {
			t.Fatalf("ListPending limited: %v", err)
		}
		if len(limited) != 2 || limited[0].ID != "fifo-0" {
			t.Fatalf("limited = %v", opIDs(limited))
		}

		// Drain so later subtests see a clean slate.
		for _, op := range ops {
			if err := store.MarkCompleted(ctx, op.ID, "r-"+op.ID, suiteBase); err != nil {
				t.Fatalf("MarkCompleted: %v", err)
			}
		}
	})

	t.Run("list pending honours next attempt time", func(t *testing.T) {
		op := suiteOp("deferred-1", suiteBase)
		op.NextAttemptAt = suiteBase.Add(time.Hour)
		if err := store.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		ops, err := store.ListPending(ctx, suiteBase.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if containsID(ops, "deferred-1") {
			t.Fatal("deferred operation listed before its next attempt time")
		}

		ops, err = store.ListPending(ctx, suiteBase.Add(2*time.Hour), 10)
		if err != nil {
			t.Fatalf("ListPending after due: %v", err)
		}
		if !containsID(ops, "deferred-1") {
			t.Fatal("due operation missing from listing")
		}
		if err := store.MarkCompleted(ctx, "deferred-1", "r1", suiteBase); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	})

	t.Run("processing rows stay visible", func(t *testing.T) {
		// A crash mid-delivery leaves rows in processing; they must be
		// picked up again by the next pass.
		if err := store.Enqueue(ctx, suiteOp("inflight-1", suiteBase)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := store.MarkProcessing(ctx, "inflight-1", suiteBase.Add(time.Second)); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		ops, err := store.ListPending(ctx, suiteBase.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if !containsID(ops, "inflight-1") {
			t.Fatal("processing operation missing from listing")
		}
		if err := store.MarkCompleted(ctx, "inflight-1", "r1", suiteBase); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	})

	t.Run("completion records the remote id", func(t *testing.T) {
		if err := store.Enqueue(ctx, suiteOp("done-1", suiteBase)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := store.MarkRetry(ctx, "done-1", "502 from hub", suiteBase, suiteBase); err != nil {
			t.Fatalf("MarkRetry: %v", err)
		}
		if err := store.MarkCompleted(ctx, "done-1", "order-77", suiteBase.Add(time.Second)); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}

		ops, err := store.ListPending(ctx, suiteBase.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if containsID(ops, "done-1") {
			t.Fatal("completed operation still listed")
		}

		// Terminal rows refuse further transitions.
		if err := store.MarkRetry(ctx, "done-1", "late", suiteBase, suiteBase); !errors.Is(err, outbox.ErrTerminal) {
			t.Fatalf("MarkRetry on completed = %v, want ErrTerminal", err)
		}
		if err := store.MarkProcessing(ctx, "done-1", suiteBase); !errors.Is(err, outbox.ErrTerminal) {
			t.Fatalf("MarkProcessing on completed = %v, want ErrTerminal", err)
		}
	})

	t.Run("retry increments and reschedules", func(t *testing.T) {
		if err := store.Enqueue(ctx, suiteOp("retry-1", suiteBase)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		next := suiteBase.Add(4 * time.Second)
		if err := store.MarkRetry(ctx, "retry-1", "connection refused", next, suiteBase.Add(time.Second)); err != nil {
			t.Fatalf("MarkRetry: %v", err)
		}
		if err := store.MarkRetry(ctx, "retry-1", "connection refused", next.Add(4*time.Second), suiteBase.Add(5*time.Second)); err != nil {
			t.Fatalf("MarkRetry again: %v", err)
		}

		ops, err := store.ListPending(ctx, suiteBase.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		op, ok := findID(ops, "retry-1")
		if !ok {
			t.Fatal("retried operation missing from listing")
		}
		if op.RetryCount != 2 {
			t.Fatalf("retryCount = %d, want 2", op.RetryCount)
		}
		if op.Status != outbox.StatusPending {
			t.Fatalf("status = %s, want %s", op.Status, outbox.StatusPending)
		}
		if op.ErrorMessage != "connection refused" {
			t.Fatalf("errorMessage = %q", op.ErrorMessage)
		}
		if op.LastAttemptAt.IsZero() {
			t.Fatal("lastAttemptAt not recorded")
		}
		if err := store.MarkFailed(ctx, "retry-1", "gave up", suiteBase.Add(6*time.Second)); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	})

	t.Run("unknown ids are reported", func(t *testing.T) {
		if err := store.MarkProcessing(ctx, "no-such-op", suiteBase); !errors.Is(err, outbox.ErrNotFound) {
			t.Fatalf("MarkProcessing = %v, want ErrNotFound", err)
		}
		if err := store.MarkCompleted(ctx, "no-such-op", "r", suiteBase); !errors.Is(err, outbox.ErrNotFound) {
			t.Fatalf("MarkCompleted = %v, want ErrNotFound", err)
		}
	})

	t.Run("payload survives the round trip", func(t *testing.T) {
		op, err := outbox.NewCreatePayment(outbox.PaymentPayload{
			OrderID: "order-9", Amount: 2350, Method: "card",
		})
		if err != nil {
			t.Fatalf("NewCreatePayment: %v", err)
		}
		op.CreatedAt = suiteBase
		op.NextAttemptAt = suiteBase
		if err := store.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ops, err := store.ListPending(ctx, suiteBase.Add(time.Minute), 50)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		got, ok := findID(ops, op.ID)
		if !ok {
			t.Fatal("payment operation missing from listing")
		}
		if got.Kind != outbox.KindCreatePayment || got.IdempotencyKey != op.IdempotencyKey {
			t.Fatalf("got = %+v", got)
		}
		var p outbox.PaymentPayload
		if err := got.DecodePayload(&p); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if p.OrderID != "order-9" || p.Amount != 2350 || p.Method != "card" {
			t.Fatalf("payload = %+v", p)
		}
		if err := store.MarkCompleted(ctx, op.ID, "pay-1", suiteBase); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	})

	t.Run("stats and purge", func(t *testing.T) {
		old := suiteOp("purge-old", suiteBase.Add(-30*24*time.Hour))
		if err := store.Enqueue(ctx, old); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := store.MarkFailed(ctx, "purge-old", "ancient failure", suiteBase.Add(-29*24*time.Hour)); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if err := store.Enqueue(ctx, suiteOp("purge-live", suiteBase)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Pending < 1 {
			t.Fatalf("stats.Pending = %d, want >= 1", stats.Pending)
		}
		// failed rows so far: retry-1 plus purge-old
		if stats.Failed != 2 {
			t.Fatalf("stats.Failed = %d, want 2", stats.Failed)
		}
		if stats.OldestPendingAt.IsZero() {
			t.Fatal("stats.OldestPendingAt not set")
		}

		purged, err := store.PurgeOlderThan(ctx, suiteBase.Add(-7*24*time.Hour))
		if err != nil {
			t.Fatalf("PurgeOlderThan: %v", err)
		}
		if purged != 1 {
			t.Fatalf("purged = %d, want 1 (only the month-old failure)", purged)
		}
		if err := store.MarkProcessing(ctx, "purge-old", suiteBase); !errors.Is(err, outbox.ErrNotFound) {
			t.Fatalf("purged row still present: %v", err)
		}
		// The live pending row must never be purged.
		if err := store.MarkProcessing(ctx, "purge-live", suiteBase); err != nil {
			t.Fatalf("live row missing after purge: %v", err)
		}
	})
}

func opIDs(ops []outbox.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func containsID(ops []outbox.Operation, id string) bool {
	_, ok := findID(ops, id)
	return ok
}

func findID(ops []outbox.Operation, id string) (outbox.Operation, bool) {
	for _, op := range ops {
		if op.ID == id {
			return op, true
		}
	}
	return outbox.Operation{}, false
}
