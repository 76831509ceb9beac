package obligations

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/obligation"
	"github.com/decloud/controlplane/internal/app/storage"
)

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)

	first, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)
	second, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestEnsureRecreatesAfterTerminalFailure(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)

	first, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)
	first.State = obligation.StateFailed
	_, err = mem.UpdateObligation(ctx, first)
	require.NoError(t, err)

	second, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDispatchCompleted(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)
	r.Register(obligation.TypeRunDHT, HandlerFunc(func(context.Context, obligation.Obligation) Result {
		return Completed()
	}))

	o, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)
	r.Tick(ctx)

	got, err := mem.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StateCompleted, got.State)
}

func TestDispatchRetrySchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)
	r.Register(obligation.TypeAssignRelay, HandlerFunc(func(context.Context, obligation.Obligation) Result {
		return Retry("no relay with free capacity")
	}))

	o, err := r.Ensure(ctx, obligation.TypeAssignRelay, "node-1")
	require.NoError(t, err)
	before := time.Now().UTC()
	r.Tick(ctx)

	got, err := mem.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StateRetryScheduled, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "no relay with free capacity", got.LastError)
	assert.True(t, got.NextAttemptAt.After(before), "retry is pushed into the future")

	// Not yet due: the next tick must not re-dispatch.
	r.Tick(ctx)
	got2, err := mem.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got2.Attempts)
}

func TestDispatchFailTerminal(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)
	r.Register(obligation.TypeRunRelay, HandlerFunc(func(context.Context, obligation.Obligation) Result {
		return Fail("node permanently unfit")
	}))

	o, err := r.Ensure(ctx, obligation.TypeRunRelay, "node-1")
	require.NoError(t, err)
	r.Tick(ctx)

	got, err := mem.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StateFailed, got.State)
	assert.True(t, got.Terminal())
}

func TestRetriesCapAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)
	r.maxAttempts = 2
	r.Register(obligation.TypeRunDHT, HandlerFunc(func(context.Context, obligation.Obligation) Result {
		return Retry("still broken")
	}))

	o, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)

	r.Tick(ctx) // attempt 1 -> retry scheduled

	// Force the retry due immediately.
	got, err := mem.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	got.NextAttemptAt = time.Now().UTC().Add(-time.Second)
	_, err = mem.UpdateObligation(ctx, got)
	require.NoError(t, err)

	r.Tick(ctx) // attempt 2 -> max reached

	final, err := mem.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StateFailed, final.State)
}

func TestInFlightIsNeverDoubleDispatched(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)

	var dispatched atomic.Int32
	block := make(chan struct{})
	r.Register(obligation.TypeRunDHT, HandlerFunc(func(context.Context, obligation.Obligation) Result {
		dispatched.Add(1)
		<-block
		return Completed()
	}))

	_, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)

	go r.Tick(ctx)
	require.Eventually(t, func() bool { return dispatched.Load() == 1 }, time.Second, 5*time.Millisecond)

	// A second scan while the first dispatch is in flight sees the
	// obligation as InFlight, not due.
	r.Tick(ctx)
	assert.Equal(t, int32(1), dispatched.Load())
	close(block)
}

func TestSatisfyCompletesLiveObligation(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := NewReconciler(mem, nil)

	o, err := r.Ensure(ctx, obligation.TypeRunDHT, "node-1")
	require.NoError(t, err)

	require.NoError(t, r.Satisfy(ctx, obligation.TypeRunDHT, "node-1"))

	got, err := mem.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StateCompleted, got.State)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	assert.Equal(t, initialBackoff, backoff(1))
	assert.Equal(t, 2*initialBackoff, backoff(2))
	assert.Equal(t, 4*initialBackoff, backoff(3))
	assert.Equal(t, maxBackoff, backoff(50))
}
