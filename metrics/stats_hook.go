// Package metrics publishes basic outbox counters via expvar.
package metrics

import (
	"context"
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tableside/outbox"
)

// StatsHook implements outbox.Hooks with atomic counters exposed through
// expvar.
type StatsHook struct {
	requested     atomic.Int64
	listed        atomic.Int64
	delivered     atomic.Int64
	deliverErrors atomic.Int64
	retries       atomic.Int64
	failures      atomic.Int64
	storeErrors   atomic.Int64
	passes        atomic.Int64
	passLatencyNs atomic.Int64
}

// NewStatsHook registers an expvar entry named "<prefix>_stats".
func NewStatsHook(prefix string) *StatsHook {
	if prefix == "" {
		prefix = "outbox"
	}
	h := &StatsHook{}
	expvar.Publish(fmt.Sprintf("%s_stats", prefix), expvar.Func(func() any {
		return h.snapshot()
	}))
	return h
}

// OnListPending tracks how many operations a pass asked for and received.
func (h *StatsHook) OnListPending(_ context.Context, limit int, listed int) {
	h.requested.Add(int64(limit))
	h.listed.Add(int64(listed))
}

// OnDeliverSuccess increments successful deliveries.
func (h *StatsHook) OnDeliverSuccess(_ context.Context, _ outbox.Operation) {
	h.delivered.Add(1)
}

// OnDeliverFailure increments failed attempts before retry/fail handling.
func (h *StatsHook) OnDeliverFailure(_ context.Context, _ outbox.Operation, _ error) {
	h.deliverErrors.Add(1)
}

// OnRetry increments retry counters.
func (h *StatsHook) OnRetry(_ context.Context, _ outbox.Operation, _ int, _ time.Duration) {
	h.retries.Add(1)
}

// OnFail increments permanent failures.
func (h *StatsHook) OnFail(_ context.Context, _ outbox.Operation, _ error) {
	h.failures.Add(1)
}

// OnStoreError increments the store error counter.
func (h *StatsHook) OnStoreError(_ context.Context, _ string, _ string, _ error) {
	h.storeErrors.Add(1)
}

// OnPass records pass durations and counts.
func (h *StatsHook) OnPass(_ context.Context, d time.Duration) {
	h.passes.Add(1)
	h.passLatencyNs.Add(d.Nanoseconds())
}

func (h *StatsHook) snapshot() map[string]int64 {
	return map[string]int64{
		"requested":       h.requested.Load(),
		"listed":          h.listed.Load(),
		"delivered":       h.delivered.Load(),
		"deliver_errors":  h.deliverErrors.Load(),
		"retries":         h.retries.Load(),
		"failures":        h.failures.Load(),
		"store_errors":    h.storeErrors.Load(),
		"passes":          h.passes.Load(),
		"pass_latency_ns": h.passLatencyNs.Load(),
	}
}
