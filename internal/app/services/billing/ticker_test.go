package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/storage"
)

type fakeGate struct{ paused map[string]bool }

func (f *fakeGate) BillingPaused(vmID string, _ time.Time) bool { return f.paused[vmID] }

type fakeFunds struct {
	sufficient bool
	credits    float64
}

func (f *fakeFunds) HasSufficient(context.Context, string, string, float64) (bool, error) {
	return f.sufficient, nil
}

func (f *fakeFunds) ConsumeCredits(_ context.Context, _ string, amount float64) (float64, []creditgrant.CreditGrant, error) {
	covered := f.credits
	if covered > amount {
		covered = amount
	}
	f.credits -= covered
	return covered, nil, nil
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeStopper) StopForNonpayment(_ context.Context, vmID string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, vmID)
	f.mu.Unlock()
	return nil
}

func seedRunningVM(t *testing.T, mem *storage.Memory, id string, rate float64, startedAgo time.Duration, now time.Time) vm.VM {
	t.Helper()
	started := now.Add(-startedAgo)
	v, err := mem.CreateVM(context.Background(), vm.VM{
		ID:         id,
		OwnerID:    "0xowner",
		NodeID:     "node-1",
		Name:       "web",
		Spec:       vm.Spec{VMType: vm.TypeGeneral, VCPUs: 2, MemBytes: 4 << 30, QualityTier: vm.TierStandard},
		Status:     vm.StatusRunning,
		PowerState: vm.PowerRunning,
		Billing:    vm.Billing{HourlyRateCrypto: rate},
		StartedAt:  &started,
	})
	require.NoError(t, err)
	return v
}

func TestTickBillsElapsedPeriod(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	v := seedRunningVM(t, mem, "v1", 0.02, 10*time.Minute, now)

	ticker := NewTicker(mem, mem, mem, &fakeGate{paused: map[string]bool{}}, &fakeFunds{sufficient: true}, &fakeStopper{}, nil)
	ticker.Tick(ctx, now)

	records, err := mem.ListUnpaidUsageByUser(ctx, "0xowner")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 0.003333, records[0].TotalCost, 0.000002)
	assert.True(t, records[0].AttestationVerified)
	assert.Equal(t, v.ID, records[0].VMID)

	// nodeShare/platformFee split at 1500 bps.
	assert.InDelta(t, records[0].TotalCost*0.85, records[0].NodeShare, 0.000002)
	assert.InDelta(t, records[0].TotalCost-records[0].NodeShare, records[0].PlatformFee, 0.0000015)

	got, err := mem.GetVM(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Billing.LastBillingAt)
	assert.True(t, got.Billing.LastBillingAt.Equal(now))
	assert.InDelta(t, 10, got.Billing.VerifiedRuntimeMinutes, 0.01)
}

func TestTickTwiceWithoutTimeAdvanceBillsNothing(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	seedRunningVM(t, mem, "v1", 0.02, 10*time.Minute, now)

	ticker := NewTicker(mem, mem, mem, &fakeGate{paused: map[string]bool{}}, &fakeFunds{sufficient: true}, &fakeStopper{}, nil)
	ticker.Tick(ctx, now)
	ticker.Tick(ctx, now)

	records, err := mem.ListUnpaidUsageByUser(ctx, "0xowner")
	require.NoError(t, err)
	assert.Len(t, records, 1, "second back-to-back tick records nothing")
}

func TestPausedAttestationAccruesUnverifiedOnly(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	v := seedRunningVM(t, mem, "v1", 0.02, 15*time.Minute, now)

	gate := &fakeGate{paused: map[string]bool{v.ID: true}}
	ticker := NewTicker(mem, mem, mem, gate, &fakeFunds{sufficient: true}, &fakeStopper{}, nil)
	ticker.Tick(ctx, now)

	records, err := mem.ListUnpaidUsageByUser(ctx, "0xowner")
	require.NoError(t, err)
	assert.Empty(t, records)

	got, err := mem.GetVM(ctx, v.ID)
	require.NoError(t, err)
	assert.InDelta(t, 15, got.Billing.UnverifiedRuntimeMinutes, 0.01)
	require.NotNil(t, got.Billing.LastBillingAt)

	// Attestation recovers: the next cycle bills only from the recovery
	// point, not the paused window.
	gate.paused[v.ID] = false
	later := now.Add(5 * time.Minute)
	ticker.Tick(ctx, later)

	records, err = mem.ListUnpaidUsageByUser(ctx, "0xowner")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].PeriodStart.Equal(now))
	assert.InDelta(t, 0.02*5.0/60.0, records[0].TotalCost, 0.000002)
}

func TestShortPeriodSkipped(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	seedRunningVM(t, mem, "v1", 0.02, 30*time.Second, now)

	ticker := NewTicker(mem, mem, mem, &fakeGate{paused: map[string]bool{}}, &fakeFunds{sufficient: true}, &fakeStopper{}, nil)
	ticker.Tick(ctx, now)

	records, err := mem.ListUnpaidUsageByUser(ctx, "0xowner")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreditsCoverBeforeEscrow(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	seedRunningVM(t, mem, "v1", 0.02, time.Hour, now)

	// Credits cover the whole cost; escrow is never consulted (sufficient
	// false would otherwise trip the grace path).
	funds := &fakeFunds{sufficient: false, credits: 1.0}
	stopper := &fakeStopper{}
	ticker := NewTicker(mem, mem, mem, &fakeGate{paused: map[string]bool{}}, funds, stopper, nil)
	ticker.Tick(ctx, now)

	records, err := mem.ListUnpaidUsageByUser(ctx, "0xowner")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, stopper.stopped)
}

func TestOutOfFundsStopsAfterGracePeriod(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	v := seedRunningVM(t, mem, "v1", 0.02, time.Hour, now)

	stopper := &fakeStopper{}
	ticker := NewTicker(mem, mem, mem, &fakeGate{paused: map[string]bool{}}, &fakeFunds{sufficient: false}, stopper, nil)

	for i := 0; i < DefaultMaxBillingFails-1; i++ {
		ticker.Tick(ctx, now.Add(time.Duration(i)*5*time.Minute))
		assert.Empty(t, stopper.stopped, "still inside the grace window")
	}
	ticker.Tick(ctx, now.Add(time.Duration(DefaultMaxBillingFails)*5*time.Minute))
	assert.Equal(t, []string{v.ID}, stopper.stopped)

	records, err := mem.ListUnpaidUsageByUser(ctx, "0xowner")
	require.NoError(t, err)
	assert.Empty(t, records, "no usage is recorded while funds are insufficient")
}

func TestSystemAndNonGeneralVMsNeverBilled(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now().UTC()
	started := now.Add(-time.Hour)

	_, err := mem.CreateVM(ctx, vm.VM{
		ID: "dht-1", OwnerID: "system", NodeID: "node-1", Name: "dht",
		Spec:      vm.Spec{VMType: vm.TypeDHT, VCPUs: 1, MemBytes: 1 << 30},
		Status:    vm.StatusRunning,
		Billing:   vm.Billing{HourlyRateCrypto: 0.02},
		StartedAt: &started,
	})
	require.NoError(t, err)

	ticker := NewTicker(mem, mem, mem, &fakeGate{paused: map[string]bool{}}, &fakeFunds{sufficient: true}, &fakeStopper{}, nil)
	ticker.Tick(ctx, now)

	records, err := mem.ListUnpaidUsage(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
