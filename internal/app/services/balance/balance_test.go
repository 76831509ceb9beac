package balance

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/domain/deposit"
	"github.com/decloud/controlplane/internal/app/domain/usage"
	"github.com/decloud/controlplane/internal/app/storage"
)

type fakeChain struct {
	balances map[string]*big.Int
}

func (f *fakeChain) GetConfirmedBalance(_ context.Context, wallet common.Address) (*big.Int, error) {
	if v, ok := f.balances[wallet.Hex()]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

const wallet = "0x00000000000000000000000000000000000000Aa"

func usdc(v float64) *big.Int { return big.NewInt(int64(v * 1_000_000)) }

func TestComputeThreeSources(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	chain := &fakeChain{balances: map[string]*big.Int{common.HexToAddress(wallet).Hex(): usdc(25)}}

	_, err := mem.UpsertPendingDeposit(ctx, deposit.PendingDeposit{
		TxHash: "0xdep1", WalletAddress: deposit.NormalizeWallet(wallet), Amount: 10, BlockNumber: 100, Confirmations: 5, ChainID: 1,
	})
	require.NoError(t, err)

	_, err = mem.CreateUsageRecord(ctx, usage.NewRecord("u1", "vm-1", wallet, "node-1",
		time.Now().Add(-10*time.Minute), time.Now(), 3, true))
	require.NoError(t, err)

	e := New(chain, mem, mem, mem, 20)
	snap, err := e.Compute(ctx, wallet, wallet)
	require.NoError(t, err)

	assert.Equal(t, 25.0, snap.Confirmed)
	assert.Equal(t, 10.0, snap.PendingDeposits)
	assert.Equal(t, 3.0, snap.UnpaidUsage)
	assert.Equal(t, 22.0, snap.AvailableBalance, "pending deposits are not spendable")
	assert.Equal(t, 32.0, snap.TotalBalance)
	require.Len(t, snap.PendingDepositsList, 1)
	assert.Equal(t, int64(5), snap.PendingDepositsList[0].Confirmations)
	assert.Equal(t, int64(20), snap.PendingDepositsList[0].Required)
}

func TestAvailableNeverNegative(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	chain := &fakeChain{balances: map[string]*big.Int{common.HexToAddress(wallet).Hex(): usdc(1)}}

	_, err := mem.CreateUsageRecord(ctx, usage.NewRecord("u1", "vm-1", wallet, "node-1",
		time.Now().Add(-time.Hour), time.Now(), 5, true))
	require.NoError(t, err)

	e := New(chain, mem, mem, mem, 20)
	snap, err := e.Compute(ctx, wallet, wallet)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.AvailableBalance)
	assert.Equal(t, -4.0, snap.TotalBalance, "total may go negative; available must not")
}

func TestCreditsCountTowardAvailable(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	e := New(nil, mem, mem, mem, 20)

	_, err := mem.CreateCreditGrant(ctx, creditgrant.CreditGrant{
		ID: "g1", UserID: wallet, Type: creditgrant.TypePromo, OriginalAmount: 5, RemainingAmount: 5,
	})
	require.NoError(t, err)

	expired := time.Now().UTC().Add(-time.Hour)
	_, err = mem.CreateCreditGrant(ctx, creditgrant.CreditGrant{
		ID: "g2", UserID: wallet, Type: creditgrant.TypePromo, OriginalAmount: 9, RemainingAmount: 9, ExpiresAt: &expired,
	})
	require.NoError(t, err)

	snap, err := e.Compute(ctx, wallet, wallet)
	require.NoError(t, err)
	assert.Equal(t, 5.0, snap.CreditsAvailable, "expired grants do not count")
	assert.Equal(t, 5.0, snap.AvailableBalance)
}

func TestHasSufficient(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	chain := &fakeChain{balances: map[string]*big.Int{common.HexToAddress(wallet).Hex(): usdc(2)}}
	e := New(chain, mem, mem, mem, 20)

	ok, err := e.HasSufficient(ctx, wallet, wallet, 1.5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasSufficient(ctx, wallet, wallet, 2.5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumeCreditsDrainsSoonestExpiringFirst(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	e := New(nil, mem, mem, mem, 20)

	soon := time.Now().UTC().Add(24 * time.Hour)
	later := time.Now().UTC().Add(30 * 24 * time.Hour)
	_, err := mem.CreateCreditGrant(ctx, creditgrant.CreditGrant{
		ID: "later", UserID: wallet, Type: creditgrant.TypePromo, OriginalAmount: 10, RemainingAmount: 10, ExpiresAt: &later,
	})
	require.NoError(t, err)
	_, err = mem.CreateCreditGrant(ctx, creditgrant.CreditGrant{
		ID: "soon", UserID: wallet, Type: creditgrant.TypePromo, OriginalAmount: 10, RemainingAmount: 10, ExpiresAt: &soon,
	})
	require.NoError(t, err)

	covered, grants, err := e.ConsumeCredits(ctx, wallet, 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, covered)

	byID := map[string]float64{}
	for _, g := range grants {
		byID[g.ID] = g.RemainingAmount
	}
	assert.Equal(t, 6.0, byID["soon"], "soonest-expiring grant drains first")
	assert.Equal(t, 10.0, byID["later"])
}
