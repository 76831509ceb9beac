// Package billing implements the attestation-gated billing ticker:
// every cycle it charges elapsed runtime for running tenant VMs, consuming
// credits before escrow funds, and records unpaid usage for later
// settlement. Time with failing or stale attestation accrues as unverified
// runtime instead of cost.
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/domain/usage"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/events"
	"github.com/decloud/controlplane/internal/app/metrics"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// DefaultInterval is the billing cycle cadence.
const DefaultInterval = 5 * time.Minute

// MinBillablePeriod skips cycles shorter than this.
const MinBillablePeriod = time.Minute

// DefaultMaxBillingFails is the consecutive-failure count after which a VM
// is stopped for non-payment. The grace window is therefore
// MaxBillingFails x the billing interval.
const DefaultMaxBillingFails = 3

// AttestationGate answers whether billing is paused for a VM.
type AttestationGate interface {
	BillingPaused(vmID string, now time.Time) bool
}

// FundsChecker is the slice of the balance engine the ticker uses.
type FundsChecker interface {
	HasSufficient(ctx context.Context, userID, wallet string, required float64) (bool, error)
	ConsumeCredits(ctx context.Context, userID string, amount float64) (float64, []creditgrant.CreditGrant, error)
}

// Stopper force-stops a VM whose owner ran out of funds.
type Stopper interface {
	StopForNonpayment(ctx context.Context, vmID string) error
}

var _ system.Service = (*Ticker)(nil)

// Ticker is the lifecycle-managed billing loop.
type Ticker struct {
	vms      storage.VMStore
	usageSt  storage.UsageStore
	credits  storage.CreditGrantStore
	gate     AttestationGate
	funds    FundsChecker
	stopper  Stopper
	hub      events.Emitter
	log      *logger.Logger
	interval time.Duration
	maxFails int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewTicker creates a billing ticker.
func NewTicker(vms storage.VMStore, usageSt storage.UsageStore, credits storage.CreditGrantStore, gate AttestationGate, funds FundsChecker, stopper Stopper, log *logger.Logger) *Ticker {
	if log == nil {
		log = logger.NewDefault("billing")
	}
	return &Ticker{
		vms:      vms,
		usageSt:  usageSt,
		credits:  credits,
		gate:     gate,
		funds:    funds,
		stopper:  stopper,
		log:      log,
		interval: DefaultInterval,
		maxFails: DefaultMaxBillingFails,
	}
}

// WithInterval overrides the cycle cadence, primarily for tests.
func (t *Ticker) WithInterval(d time.Duration) *Ticker {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithMaxFails overrides the consecutive-failure grace window.
func (t *Ticker) WithMaxFails(n int) *Ticker {
	if n > 0 {
		t.maxFails = n
	}
	return t
}

// WithEmitter wires the realtime event hub so tenants see billing pauses.
func (t *Ticker) WithEmitter(hub events.Emitter) *Ticker {
	t.hub = hub
	return t
}

// Name returns the service identifier.
func (t *Ticker) Name() string { return "billing-ticker" }

// Descriptor advertises the ticker's architectural placement.
func (t *Ticker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "billing-ticker",
		Domain:       "payments",
		Layer:        core.LayerEngine,
		Capabilities: []string{"meter", "charge"},
	}
}

// Start begins the billing loop.
func (t *Ticker) Start(ctx context.Context) error {
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
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				t.Tick(runCtx, time.Now().UTC())
			}
		}
	}()

	t.log.Info("billing ticker started")
	return nil
}

// Stop halts the billing loop.
func (t *Ticker) Stop(ctx context.Context) error {
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

// Tick runs one billing cycle over every billable VM. Exported for tests;
// now is injected so cycles are reproducible.
func (t *Ticker) Tick(ctx context.Context, now time.Time) {
	running, err := t.vms.ListVMsByStatus(ctx, vm.StatusRunning)
	if err != nil {
		t.log.WithError(err).Warn("billing tick: list running vms failed")
		return
	}
	for _, v := range running {
		if !v.Billable() || v.IsSystemOwner() {
			continue
		}
		t.billVM(ctx, v, now)
	}
}

// billVM charges one VM for the elapsed period, per the pipeline.
func (t *Ticker) billVM(ctx context.Context, v vm.VM, now time.Time) {
	periodStart := t.periodStart(v)
	if periodStart.IsZero() || !periodStart.Before(now) {
		return
	}
	elapsed := now.Sub(periodStart)

	if t.gate != nil && t.gate.BillingPaused(v.ID, now) {
		// Attestation failing: the interval accrues as unverified runtime
		// and the billing cursor advances so recovery bills from the
		// recovery point only.
		firstPausedCycle := v.Billing.UnverifiedRuntimeMinutes == 0
		v.Billing.UnverifiedRuntimeMinutes += elapsed.Minutes()
		v.Billing.LastBillingAt = &now
		v.UpdatedAt = now
		if _, err := t.vms.UpdateVM(ctx, v); err != nil {
			t.log.WithError(err).WithField("vm_id", v.ID).Warn("record unverified runtime failed")
		}
		if firstPausedCycle && t.hub != nil {
			t.hub.Emit(events.Event{Type: events.TypeBillingPaused, OwnerID: v.OwnerID, VMID: v.ID, Reason: "attestation failing"})
		}
		metrics.RecordBillingCycle("paused", 0)
		return
	}

	if elapsed < MinBillablePeriod {
		metrics.RecordBillingCycle("skipped", 0)
		return
	}

	cost := round6(elapsed.Hours() * v.Billing.HourlyRateCrypto)
	if cost == 0 {
		// Free capacity still advances the cursor so periods stay
		// contiguous.
		v.Billing.LastBillingAt = &now
		v.Billing.VerifiedRuntimeMinutes += elapsed.Minutes()
		v.UpdatedAt = now
		t.vms.UpdateVM(ctx, v)
		metrics.RecordBillingCycle("skipped", 0)
		return
	}

	// Credits drain first; only the remainder needs escrow cover.
	covered, grants, err := t.funds.ConsumeCredits(ctx, v.OwnerID, cost)
	if err != nil {
		t.log.WithError(err).WithField("vm_id", v.ID).Warn("credit consumption failed")
		metrics.RecordBillingCycle("error", 0)
		return
	}
	remainder := round6(cost - covered)

	if remainder > 0 {
		ok, err := t.funds.HasSufficient(ctx, v.OwnerID, v.OwnerID, remainder)
		if err != nil {
			t.log.WithError(err).WithField("vm_id", v.ID).Warn("balance check failed")
			metrics.RecordBillingCycle("error", 0)
			return
		}
		if !ok {
			t.handleInsufficientFunds(ctx, v, now)
			return
		}
	}

	record := usage.NewRecord(uuid.NewString(), v.ID, v.OwnerID, v.NodeID, periodStart, now, cost, true)
	record.CreatedAt = now
	if _, err := t.usageSt.CreateUsageRecord(ctx, record); err != nil {
		t.log.WithError(err).WithField("vm_id", v.ID).Error("persist usage record failed")
		metrics.RecordBillingCycle("error", 0)
		return
	}

	// The usage record is durable; only now do the consumed credits and the
	// VM's billing cursor move.
	for _, g := range grants {
		if _, err := t.credits.UpdateCreditGrant(ctx, g); err != nil {
			t.log.WithError(err).WithField("grant_id", g.ID).Warn("persist credit consumption failed")
		}
	}

	v.Billing.LastBillingAt = &now
	v.Billing.TotalBilled = round6(v.Billing.TotalBilled + cost)
	v.Billing.VerifiedRuntimeMinutes += elapsed.Minutes()
	v.Billing.ConsecutiveBillingFails = 0
	v.UpdatedAt = now
	if _, err := t.vms.UpdateVM(ctx, v); err != nil {
		t.log.WithError(err).WithField("vm_id", v.ID).Error("advance billing cursor failed")
	}

	metrics.RecordBillingCycle("billed", cost)
	t.log.WithField("vm_id", v.ID).
		WithField("cost", cost).
		WithField("period_minutes", int(elapsed.Minutes())).
		Info("usage billed")
}

func (t *Ticker) handleInsufficientFunds(ctx context.Context, v vm.VM, now time.Time) {
	v.Billing.ConsecutiveBillingFails++
	v.UpdatedAt = now
	fails := v.Billing.ConsecutiveBillingFails
	if _, err := t.vms.UpdateVM(ctx, v); err != nil {
		t.log.WithError(err).WithField("vm_id", v.ID).Warn("record billing failure failed")
	}
	metrics.RecordBillingCycle("insufficient", 0)
	t.log.WithField("vm_id", v.ID).
		WithField("owner_id", v.OwnerID).
		WithField("consecutive_fails", fails).
		Warn("insufficient funds, vm in billing grace period")

	if fails >= t.maxFails && t.stopper != nil {
		if err := t.stopper.StopForNonpayment(ctx, v.ID); err != nil {
			t.log.WithError(err).WithField("vm_id", v.ID).Error("stop for nonpayment failed")
		}
	}
}

// periodStart returns where this VM's next billing period begins: the last
// billing cursor, or the VM's start time for its first cycle.
func (t *Ticker) periodStart(v vm.VM) time.Time {
	if v.Billing.LastBillingAt != nil {
		return *v.Billing.LastBillingAt
	}
	if v.StartedAt != nil {
		return *v.StartedAt
	}
	return time.Time{}
}

func round6(v float64) float64 {
	const scale = 1e6
	if v < 0 {
		return -round6(-v)
	}
	return float64(int64(v*scale+0.5)) / scale
}
