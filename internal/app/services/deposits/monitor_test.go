package deposits

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/deposit"
	"github.com/decloud/controlplane/internal/app/services/escrow"
	"github.com/decloud/controlplane/internal/app/storage"
)

type fakeChain struct {
	block  uint64
	events map[uint64][]escrow.Deposit // keyed by block number
}

func (f *fakeChain) CurrentBlock(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeChain) ScanDeposits(_ context.Context, fromBlock, toBlock uint64) ([]escrow.Deposit, error) {
	var out []escrow.Deposit
	for b := fromBlock; b <= toBlock; b++ {
		out = append(out, f.events[b]...)
	}
	return out, nil
}

func usdc(v float64) *big.Int { return big.NewInt(int64(v * 1_000_000)) }

func TestUnderConfirmedDepositIsTracked(t *testing.T) {
	// 10 USDC deposited at block 1000, 20 confirmations required: at block
	// 1005 the deposit is tracked with 5 confirmations.
	ctx := context.Background()
	mem := storage.NewMemory()
	chain := &fakeChain{
		block: 1005,
		events: map[uint64][]escrow.Deposit{
			1000: {{Wallet: "0xA11CE", Amount: usdc(10), TxHash: "0xdep1", BlockNumber: 1000}},
		},
	}
	mon := NewMonitor(chain, mem, 20, 1, nil)
	mon.Tick(ctx)

	d, ok, err := mem.GetPendingDeposit(ctx, "0xdep1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0xa11ce", d.WalletAddress, "wallet is lower-cased")
	assert.Equal(t, 10.0, d.Amount)
	assert.Equal(t, int64(5), d.Confirmations)
}

func TestConfirmationsRefreshAcrossTicks(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	chain := &fakeChain{
		block: 1005,
		events: map[uint64][]escrow.Deposit{
			1000: {{Wallet: "0xA11CE", Amount: usdc(10), TxHash: "0xdep1", BlockNumber: 1000}},
		},
	}
	mon := NewMonitor(chain, mem, 20, 1, nil)
	mon.Tick(ctx)

	chain.block = 1010
	mon.Tick(ctx)

	d, ok, err := mem.GetPendingDeposit(ctx, "0xdep1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), d.Confirmations)
}

func TestConfirmedDepositIsDeleted(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	chain := &fakeChain{
		block: 1005,
		events: map[uint64][]escrow.Deposit{
			1000: {{Wallet: "0xA11CE", Amount: usdc(10), TxHash: "0xdep1", BlockNumber: 1000}},
		},
	}
	mon := NewMonitor(chain, mem, 20, 1, nil)
	mon.Tick(ctx)

	// One block shy of the threshold the deposit is still visible, showing
	// strictly fewer than the required confirmations.
	chain.block = 1019
	mon.Tick(ctx)
	d, ok, err := mem.GetPendingDeposit(ctx, "0xdep1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(19), d.Confirmations)

	// Threshold reached: the contract balance is now the source of truth,
	// so local tracking drops within one tick.
	chain.block = 1020
	mon.Tick(ctx)

	_, ok, err = mem.GetPendingDeposit(ctx, "0xdep1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventAlreadyPastThresholdNeverTracked(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	chain := &fakeChain{block: 1000}
	mon := NewMonitor(chain, mem, 20, 1, nil)
	mon.Tick(ctx) // establishes lastProcessed near the tip

	// A deep event surfaces in a later scan window (reorg catch-up).
	chain.events = map[uint64][]escrow.Deposit{
		1001: {{Wallet: "0xA11CE", Amount: usdc(10), TxHash: "0xold", BlockNumber: 901}},
	}
	chain.block = 1050
	mon.Tick(ctx)

	_, ok, err := mem.GetPendingDeposit(ctx, "0xold")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepDeletesOrphanedTracking(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	// Tracking left behind by a prior process run; no event will re-fire.
	_, err := mem.UpsertPendingDeposit(ctx, depositFixture("0xorphan", 500, 3))
	require.NoError(t, err)

	chain := &fakeChain{block: 600}
	mon := NewMonitor(chain, mem, 20, 1, nil)
	mon.Tick(ctx)

	_, ok, err := mem.GetPendingDeposit(ctx, "0xorphan")
	require.NoError(t, err)
	assert.False(t, ok, "sweep drops deposits whose depth passed the threshold")
}

func depositFixture(txHash string, blockNumber, confirmations int64) deposit.PendingDeposit {
	return deposit.PendingDeposit{
		TxHash:        txHash,
		WalletAddress: "0xa11ce",
		Amount:        10,
		BlockNumber:   blockNumber,
		Confirmations: confirmations,
		ChainID:       1,
	}
}
