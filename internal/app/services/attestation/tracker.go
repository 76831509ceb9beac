// Package attestation tracks per-VM liveness proofs reported by node
// heartbeats and derives the billingPaused flag the billing ticker
// consults.
package attestation

import (
	"context"
	"sync"
	"time"

	core "github.com/decloud/controlplane/internal/app/core/service"
	domain "github.com/decloud/controlplane/internal/app/domain/attestation"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// DefaultSampleInterval is the expected cadence of attestation samples from
// node agents; a VM unheard from for 3x this window has billing paused.
const DefaultSampleInterval = 30 * time.Second

// sweepInterval is how often the background loop checks for stale samples.
const sweepInterval = 15 * time.Second

var _ system.Service = (*Tracker)(nil)

// Tracker holds the in-memory liveness state per VM. It is the single
// writer of that state; heartbeat handling calls Record, the billing ticker
// calls BillingPaused.
type Tracker struct {
	log            *logger.Logger
	sampleInterval time.Duration

	mu      sync.RWMutex
	state   map[string]domain.Liveness
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewTracker creates an attestation tracker.
func NewTracker(log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewDefault("attestation")
	}
	return &Tracker{
		log:            log,
		sampleInterval: DefaultSampleInterval,
		state:          make(map[string]domain.Liveness),
	}
}

// WithSampleInterval overrides the expected sample cadence.
func (t *Tracker) WithSampleInterval(d time.Duration) *Tracker {
	if d > 0 {
		t.sampleInterval = d
	}
	return t
}

// Name returns the service identifier.
func (t *Tracker) Name() string { return "attestation-tracker" }

// Descriptor advertises the tracker's architectural placement.
func (t *Tracker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "attestation-tracker",
		Domain:       "attestation",
		Layer:        core.LayerEngine,
		Capabilities: []string{"record", "gate-billing"},
	}
}

// Start launches the stale-sample sweep loop.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				t.Sweep(time.Now().UTC())
			}
		}
	}()

	t.log.Info("attestation tracker started")
	return nil
}

// Stop halts the sweep loop.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	t.running = false
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Record applies one attestation sample for a VM.
func (t *Tracker) Record(vmID string, valid bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state[vmID]
	prev.VMID = vmID
	next := domain.Sample(prev, now, valid, t.sampleInterval)
	t.state[vmID] = next

	if next.BillingPaused && !prev.BillingPaused {
		t.log.WithField("vm_id", vmID).
			WithField("consecutive_failures", next.ConsecutiveFailures).
			Warn("attestation failing, billing paused")
	}
	if !next.BillingPaused && prev.BillingPaused {
		t.log.WithField("vm_id", vmID).Info("attestation recovered, billing resumed")
	}
}

// BillingPaused reports whether billing for the VM is currently suspended:
// paused explicitly by failures, or implicitly by sample staleness. A VM
// with no samples at all is treated as paused: usage is never accrued
// without at least one valid proof.
func (t *Tracker) BillingPaused(vmID string, now time.Time) bool {
	t.mu.RLock()
	l, ok := t.state[vmID]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	if l.BillingPaused {
		return true
	}
	return l.Stale(now, t.sampleInterval)
}

// Liveness returns the current liveness record for a VM, if tracked.
func (t *Tracker) Liveness(vmID string) (domain.Liveness, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.state[vmID]
	return l, ok
}

// Forget drops tracking state for a VM; called when a VM is deleted.
func (t *Tracker) Forget(vmID string) {
	t.mu.Lock()
	delete(t.state, vmID)
	t.mu.Unlock()
}

// Sweep marks billing paused for every VM whose last sample has gone stale.
// Exported so tests can drive it without the background loop.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, l := range t.state {
		if !l.BillingPaused && l.Stale(now, t.sampleInterval) {
			l.BillingPaused = true
			t.state[id] = l
			t.log.WithField("vm_id", id).Warn("attestation samples stale, billing paused")
		}
	}
}
