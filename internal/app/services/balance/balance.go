// Package balance implements the stateless three-source balance computation:
// confirmed on-chain balance, unconfirmed deposits, and unpaid local
// usage.
package balance

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/decloud/controlplane/internal/app/apperr"
	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/storage"
)

// ChainReader is the slice of the escrow adapter the engine needs. A nil
// reader treats every confirmed balance as zero (development mode).
type ChainReader interface {
	GetConfirmedBalance(ctx context.Context, wallet common.Address) (*big.Int, error)
}

// Snapshot is the fully recomputed balance view for a user, mirroring the
// tenant API's `/api/balance` response shape.
type Snapshot struct {
	Confirmed           float64              `json:"confirmed"`
	PendingDeposits     float64              `json:"pendingDeposits"`
	UnpaidUsage         float64              `json:"unpaidUsage"`
	CreditsAvailable    float64              `json:"creditsAvailable"`
	AvailableBalance    float64              `json:"availableBalance"`
	TotalBalance        float64              `json:"totalBalance"`
	PendingDepositsList []PendingDepositView `json:"pendingDepositsList"`
}

// PendingDepositView is the balance snapshot's per-deposit detail.
type PendingDepositView struct {
	TxHash        string  `json:"txHash"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	Required      int64   `json:"required"`
}

// Engine computes balances on demand. It caches no state itself: every
// call recomputes from the escrow adapter and data store.
type Engine struct {
	escrow                ChainReader
	deposits              storage.DepositStore
	usage                 storage.UsageStore
	credits               storage.CreditGrantStore
	requiredConfirmations int64
}

// New builds a balance engine.
func New(escrowAdapter ChainReader, deposits storage.DepositStore, usage storage.UsageStore, credits storage.CreditGrantStore, requiredConfirmations int64) *Engine {
	return &Engine{
		escrow:                escrowAdapter,
		deposits:              deposits,
		usage:                 usage,
		credits:               credits,
		requiredConfirmations: requiredConfirmations,
	}
}

// Compute recomputes the full balance snapshot for a user/wallet pair.
func (e *Engine) Compute(ctx context.Context, userID, wallet string) (Snapshot, error) {
	var confirmed float64
	if e.escrow != nil {
		confirmedWei, err := e.escrow.GetConfirmedBalance(ctx, common.HexToAddress(wallet))
		if err != nil {
			return Snapshot{}, err
		}
		confirmed = weiToFloat(confirmedWei)
	}

	pendingList, err := e.deposits.ListPendingDepositsByWallet(ctx, wallet)
	if err != nil {
		return Snapshot{}, apperr.Internal("BALANCE_DEPOSITS_READ_FAILED", "list pending deposits", err)
	}
	var pending float64
	views := make([]PendingDepositView, 0, len(pendingList))
	for _, d := range pendingList {
		pending += d.Amount
		views = append(views, PendingDepositView{
			TxHash:        d.TxHash,
			Amount:        d.Amount,
			Confirmations: d.Confirmations,
			Required:      e.requiredConfirmations,
		})
	}

	unpaidRecords, err := e.usage.ListUnpaidUsageByUser(ctx, userID)
	if err != nil {
		return Snapshot{}, apperr.Internal("BALANCE_USAGE_READ_FAILED", "list unpaid usage", err)
	}
	var unpaid float64
	for _, r := range unpaidRecords {
		unpaid += r.TotalCost
	}

	var creditsAvailable float64
	if e.credits != nil {
		grants, err := e.credits.ListCreditGrantsByUser(ctx, userID)
		if err != nil {
			return Snapshot{}, apperr.Internal("BALANCE_CREDITS_READ_FAILED", "list credit grants", err)
		}
		now := time.Now().UTC()
		for _, g := range grants {
			if !g.Expired(now) {
				creditsAvailable += g.RemainingAmount
			}
		}
	}

	available := confirmed + creditsAvailable - unpaid
	if available < 0 {
		available = 0
	}
	total := confirmed + pending + creditsAvailable - unpaid

	return Snapshot{
		Confirmed:           round6(confirmed),
		PendingDeposits:     round6(pending),
		UnpaidUsage:         round6(unpaid),
		CreditsAvailable:    round6(creditsAvailable),
		AvailableBalance:    round6(available),
		TotalBalance:        round6(total),
		PendingDepositsList: views,
	}, nil
}

// HasSufficient reports whether the user's available balance covers
// required.
func (e *Engine) HasSufficient(ctx context.Context, userID, wallet string, required float64) (bool, error) {
	snap, err := e.Compute(ctx, userID, wallet)
	if err != nil {
		return false, err
	}
	return snap.AvailableBalance >= required, nil
}

// ConsumeCredits applies amount against the user's credit grants, soonest-
// expiring first, and returns how much of amount was covered by credits.
// The caller is responsible for persisting the mutated grants.
func (e *Engine) ConsumeCredits(ctx context.Context, userID string, amount float64) (float64, []creditgrant.CreditGrant, error) {
	grants, err := e.credits.ListCreditGrantsByUser(ctx, userID)
	if err != nil {
		return 0, nil, apperr.Internal("BALANCE_CREDITS_READ_FAILED", "list credit grants", err)
	}
	sort.Sort(creditgrant.ByExpiryFIFO(grants))
	covered := creditgrant.Consume(grants, time.Now().UTC(), amount)
	return covered, grants, nil
}

// usdcScale is the fixed-point scale the contract uses for USDC amounts:
// 6 decimals.
const usdcScale = 1_000_000

func weiToFloat(v interface{ Int64() int64 }) float64 {
	return float64(v.Int64()) / usdcScale
}

func round6(v float64) float64 {
	const scale = 1e6
	if v < 0 {
		return -round6(-v)
	}
	return float64(int64(v*scale+0.5)) / scale
}
