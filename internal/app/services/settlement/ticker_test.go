package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/apperr"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/usage"
	"github.com/decloud/controlplane/internal/app/services/escrow"
	"github.com/decloud/controlplane/internal/app/storage"
)

type fakeChain struct {
	batches    [][]escrow.SettlementItem
	singles    []escrow.SettlementItem
	submitErr  error
	receiptBad bool
}

func (f *fakeChain) ExecuteSettlement(_ context.Context, item escrow.SettlementItem) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.singles = append(f.singles, item)
	return "0xsingle", nil
}

func (f *fakeChain) ExecuteBatchSettlement(_ context.Context, items []escrow.SettlementItem) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.batches = append(f.batches, items)
	return "0xbatch", nil
}

func (f *fakeChain) WaitMined(context.Context, string) (*types.Receipt, error) {
	status := types.ReceiptStatusSuccessful
	if f.receiptBad {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status}, nil
}

func seedNode(t *testing.T, mem *storage.Memory, id, wallet string) {
	t.Helper()
	_, err := mem.CreateNode(context.Background(), node.Node{
		ID:            id,
		WalletAddress: wallet,
		Status:        node.StatusOnline,
	})
	require.NoError(t, err)
}

func seedUsage(t *testing.T, mem *storage.Memory, id, vmID, userID, nodeID string, cost float64, offset time.Duration) usage.Record {
	t.Helper()
	now := time.Now().UTC().Add(offset)
	r := usage.NewRecord(id, vmID, userID, nodeID, now.Add(-5*time.Minute), now, cost, true)
	created, err := mem.CreateUsageRecord(context.Background(), r)
	require.NoError(t, err)
	return created
}

func TestBatchSettlementMarksAllRecords(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "0xnode1wallet")

	seedUsage(t, mem, "u1", "vm-1", "0xuser", "node-1", 5.0, -15*time.Minute)
	seedUsage(t, mem, "u2", "vm-1", "0xuser", "node-1", 4.0, -10*time.Minute)
	seedUsage(t, mem, "u3", "vm-2", "0xuser", "node-1", 3.4, -5*time.Minute)

	chain := &fakeChain{}
	ticker := NewTicker(mem, mem, chain, true, nil).WithMinAmount(10)
	ticker.Tick(ctx)

	require.Len(t, chain.batches, 1)
	assert.Len(t, chain.batches[0], 3)

	unpaid, err := mem.ListUnpaidUsage(ctx)
	require.NoError(t, err)
	assert.Empty(t, unpaid)

	for _, id := range []string{"u1", "u2", "u3"} {
		r, err := mem.GetUsageRecord(ctx, id)
		require.NoError(t, err)
		assert.True(t, r.SettledOnChain)
		assert.Equal(t, "0xbatch", r.SettlementTxHash)
	}
}

func TestGroupsBelowMinimumAreSkipped(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "0xnode1wallet")
	seedUsage(t, mem, "u1", "vm-1", "0xuser", "node-1", 0.5, 0)

	chain := &fakeChain{}
	ticker := NewTicker(mem, mem, chain, true, nil).WithMinAmount(10)
	ticker.Tick(ctx)

	assert.Empty(t, chain.batches)
	unpaid, err := mem.ListUnpaidUsage(ctx)
	require.NoError(t, err)
	assert.Len(t, unpaid, 1)
}

func TestGroupingIsPerUserAndNode(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "0xnode1wallet")
	seedNode(t, mem, "node-2", "0xnode2wallet")

	seedUsage(t, mem, "u1", "vm-1", "0xuserA", "node-1", 12, 0)
	seedUsage(t, mem, "u2", "vm-2", "0xuserA", "node-2", 12, 0)
	seedUsage(t, mem, "u3", "vm-3", "0xuserB", "node-1", 12, 0)

	chain := &fakeChain{}
	ticker := NewTicker(mem, mem, chain, true, nil).WithMinAmount(10)
	ticker.Tick(ctx)

	assert.Len(t, chain.batches, 3, "one settlement per (user, node) group")
}

func TestSubmitFailureLeavesRecordsUnsettled(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "0xnode1wallet")
	seedUsage(t, mem, "u1", "vm-1", "0xuser", "node-1", 12, 0)

	chain := &fakeChain{submitErr: apperr.Upstream("ESCROW_RPC_FAILED", "rpc down", errors.New("dial refused"))}
	ticker := NewTicker(mem, mem, chain, true, nil).WithMinAmount(10)
	ticker.Tick(ctx)

	unpaid, err := mem.ListUnpaidUsage(ctx)
	require.NoError(t, err)
	assert.Len(t, unpaid, 1, "records retry next tick after a submit failure")
}

func TestRevertedReceiptLeavesRecordsUnsettled(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "0xnode1wallet")
	seedUsage(t, mem, "u1", "vm-1", "0xuser", "node-1", 12, 0)

	chain := &fakeChain{receiptBad: true}
	ticker := NewTicker(mem, mem, chain, true, nil).WithMinAmount(10)
	ticker.Tick(ctx)

	unpaid, err := mem.ListUnpaidUsage(ctx)
	require.NoError(t, err)
	assert.Len(t, unpaid, 1)
}

func TestSinglePathSubmitsAggregateAmount(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "0xnode1wallet")
	seedUsage(t, mem, "u1", "vm-1", "0xuser", "node-1", 6, -10*time.Minute)
	seedUsage(t, mem, "u2", "vm-1", "0xuser", "node-1", 6.4, 0)

	chain := &fakeChain{}
	ticker := NewTicker(mem, mem, chain, false, nil).WithMinAmount(10)
	ticker.Tick(ctx)

	require.Len(t, chain.singles, 1)
	assert.Equal(t, int64(12_400_000), chain.singles[0].Amount.Int64(), "12.4 USDC in 6-decimal fixed point")
	assert.Equal(t, "0xnode1wallet", chain.singles[0].NodeWallet)
}
