// Package settlement implements the periodic on-chain settlement ticker:
// unpaid usage is grouped per (user, node), submitted to the escrow
// contract in batches, and marked settled atomically per batch once the
// transaction confirms.
package settlement

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/decloud/controlplane/internal/app/apperr"
	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/usage"
	"github.com/decloud/controlplane/internal/app/metrics"
	"github.com/decloud/controlplane/internal/app/services/escrow"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// DefaultInterval is the settlement cadence.
const DefaultInterval = 6 * time.Hour

// DefaultMinSettlementAmount drops groups whose total would not justify the
// gas cost, in USDC.
const DefaultMinSettlementAmount = 1.0

// confirmationWait bounds waiting for a settlement transaction to mine.
const confirmationWait = 5 * time.Minute

// usdcScale converts USDC floats to the contract's 6-decimal fixed point.
const usdcScale = 1_000_000

// submitRetryPolicy bounds in-tick retries of transient submit failures
// (nonce collisions, RPC hiccups).
var submitRetryPolicy = core.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     10 * time.Second,
	Multiplier:     2,
}

// Submitter is the slice of the escrow adapter the ticker uses. Tests
// supply a fake; production wires *escrow.Adapter.
type Submitter interface {
	ExecuteSettlement(ctx context.Context, item escrow.SettlementItem) (string, error)
	ExecuteBatchSettlement(ctx context.Context, items []escrow.SettlementItem) (string, error)
	WaitMined(ctx context.Context, txHash string) (*types.Receipt, error)
}

var _ system.Service = (*Ticker)(nil)

// Ticker is the lifecycle-managed settlement loop.
type Ticker struct {
	usageSt  storage.UsageStore
	nodes    storage.NodeStore
	chain    Submitter
	log      *logger.Logger
	interval time.Duration
	minAmt   float64
	batching bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewTicker creates a settlement ticker. batching enables the gas-optimized
// batchReportUsage path.
func NewTicker(usageSt storage.UsageStore, nodes storage.NodeStore, chain Submitter, batching bool, log *logger.Logger) *Ticker {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Ticker{
		usageSt:  usageSt,
		nodes:    nodes,
		chain:    chain,
		log:      log,
		interval: DefaultInterval,
		minAmt:   DefaultMinSettlementAmount,
		batching: batching,
	}
}

// WithInterval overrides the settlement cadence.
func (t *Ticker) WithInterval(d time.Duration) *Ticker {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithMinAmount overrides the minimum per-group settlement amount.
func (t *Ticker) WithMinAmount(v float64) *Ticker {
	if v >= 0 {
		t.minAmt = v
	}
	return t
}

// Name returns the service identifier.
func (t *Ticker) Name() string { return "settlement-ticker" }

// Descriptor advertises the ticker's architectural placement.
func (t *Ticker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "settlement-ticker",
		Domain:       "payments",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"batch", "submit", "confirm"},
	}
}

// Start begins the settlement loop.
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
				t.Tick(runCtx)
			}
		}
	}()

	t.log.Info("settlement ticker started")
	return nil
}

// Stop halts the settlement loop.
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

// group is the settlement unit: all unpaid records for one (user, node).
type group struct {
	userID  string
	nodeID  string
	records []usage.Record
	total   float64
}

// Tick runs one settlement pass. Exported for tests.
func (t *Ticker) Tick(ctx context.Context) {
	unpaid, err := t.usageSt.ListUnpaidUsage(ctx)
	if err != nil {
		t.log.WithError(err).Warn("settlement tick: list unpaid usage failed")
		return
	}
	if len(unpaid) == 0 {
		return
	}

	groups := groupRecords(unpaid)
	for _, g := range groups {
		if g.total < t.minAmt {
			continue
		}
		if err := t.settleGroup(ctx, g); err != nil {
			// Records stay unsettled; the next tick retries.
			t.log.WithError(err).
				WithField("user_id", g.userID).
				WithField("node_id", g.nodeID).
				WithField("total", g.total).
				Warn("settlement group failed, will retry next tick")
		}
	}
}

func groupRecords(records []usage.Record) []group {
	byKey := make(map[[2]string]*group)
	for _, r := range records {
		key := [2]string{r.UserID, r.NodeID}
		g, ok := byKey[key]
		if !ok {
			g = &group{userID: r.UserID, nodeID: r.NodeID}
			byKey[key] = g
		}
		g.records = append(g.records, r)
		g.total += r.TotalCost
	}
	out := make([]group, 0, len(byKey))
	for _, g := range byKey {
		sort.Slice(g.records, func(i, j int) bool {
			return g.records[i].PeriodStart.Before(g.records[j].PeriodStart)
		})
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].userID != out[j].userID {
			return out[i].userID < out[j].userID
		}
		return out[i].nodeID < out[j].nodeID
	})
	return out
}

// settleGroup submits one group and, on confirmation, marks every record
// settled with the shared transaction hash, all-or-nothing per batch.
func (t *Ticker) settleGroup(ctx context.Context, g group) error {
	n, err := t.nodes.GetNode(ctx, g.nodeID)
	if err != nil {
		return apperr.NotFound("SETTLEMENT_NODE_MISSING", "node for settlement group not found")
	}

	// Nonce collisions and transient RPC failures retry in-tick with
	// backoff; a revert aborts immediately and surfaces to the next pass.
	var txHash string
	submitErr := core.Retry(ctx, submitRetryPolicy, func() error {
		if t.batching {
			items := make([]escrow.SettlementItem, 0, len(g.records))
			for _, r := range g.records {
				items = append(items, escrow.SettlementItem{
					UserWallet: g.userID,
					NodeWallet: n.WalletAddress,
					Amount:     toFixed6(r.TotalCost),
					VMID:       r.VMID,
				})
			}
			if len(items) > escrow.MaxBatchSize {
				items = items[:escrow.MaxBatchSize]
				g.records = g.records[:escrow.MaxBatchSize]
			}
			txHash, err = t.chain.ExecuteBatchSettlement(ctx, items)
		} else {
			txHash, err = t.chain.ExecuteSettlement(ctx, escrow.SettlementItem{
				UserWallet: g.userID,
				NodeWallet: n.WalletAddress,
				Amount:     toFixed6(g.total),
				VMID:       g.records[0].VMID,
			})
		}
		if err != nil && !apperr.Retryable(err) {
			return nil // terminal; surface err below without further attempts
		}
		return err
	})
	if err == nil {
		err = submitErr
	}
	if err != nil {
		if apperr.Retryable(err) {
			metrics.RecordSettlementBatch("retryable")
		} else {
			metrics.RecordSettlementBatch("reverted")
		}
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmationWait)
	defer cancel()
	receipt, err := t.chain.WaitMined(waitCtx, txHash)
	if err != nil {
		metrics.RecordSettlementBatch("retryable")
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.RecordSettlementBatch("reverted")
		return apperr.New(apperr.KindInternal, "SETTLEMENT_REVERTED", "settlement transaction reverted on-chain")
	}

	for _, r := range g.records {
		r.SettledOnChain = true
		r.SettlementTxHash = txHash
		if _, err := t.usageSt.UpdateUsageRecord(ctx, r); err != nil {
			// The tx confirmed; a partial mark here is repaired by the
			// dedup key (usage id) on the next pass, never re-charged.
			t.log.WithError(err).WithField("usage_id", r.ID).Error("mark settled failed")
		}
	}

	metrics.RecordSettlementBatch("confirmed")
	t.log.WithField("user_id", g.userID).
		WithField("node_id", g.nodeID).
		WithField("records", len(g.records)).
		WithField("total", g.total).
		WithField("tx_hash", txHash).
		Info("usage settled on-chain")
	return nil
}

func toFixed6(v float64) *big.Int {
	return big.NewInt(int64(v*usdcScale + 0.5))
}
