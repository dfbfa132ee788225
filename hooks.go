package outbox

import (
	"context"
	"time"
)

// Hooks receive lifecycle callbacks from the syncer; implementors can wire
// counters or tracing. All methods may be called from concurrent delivery
// goroutines and must be safe and fast.
type Hooks interface {
	// OnListPending reports how many operations a pass requested and found.
	OnListPending(ctx context.Context, limit int, listed int)
	// OnDeliverSuccess fires after the remote service acknowledged op.
	OnDeliverSuccess(ctx context.Context, op Operation)
	// OnDeliverFailure fires after a delivery attempt failed, before the
	// retry/fail decision is made.
	OnDeliverFailure(ctx context.Context, op Operation, err error)
	// OnRetry fires when an operation is rescheduled.
	OnRetry(ctx context.Context, op Operation, retryCount int, delay time.Duration)
	// OnFail fires when an operation is marked permanently failed.
	OnFail(ctx context.Context, op Operation, err error)
	// OnStoreError fires when a persistence call fails; the operation is
	// left untouched and will be seen again on a later pass.
	OnStoreError(ctx context.Context, op string, id string, err error)
	// OnPass reports the duration of a completed synchronization pass.
	OnPass(ctx context.Context, d time.Duration)
}

// noopHooks discards all callbacks.
type noopHooks struct{}

func (noopHooks) OnListPending(context.Context, int, int)                {}
func (noopHooks) OnDeliverSuccess(context.Context, Operation)            {}
func (noopHooks) OnDeliverFailure(context.Context, Operation, error)     {}
func (noopHooks) OnRetry(context.Context, Operation, int, time.Duration) {}
func (noopHooks) OnFail(context.Context, Operation, error)               {}
func (noopHooks) OnStoreError(context.Context, string, string, error)    {}
func (noopHooks) OnPass(context.Context, time.Duration)                  {}
