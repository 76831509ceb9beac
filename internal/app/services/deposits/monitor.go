// Package deposits implements the deposit monitor: a background loop that
// scans new blocks for escrow Deposited events, tracks deposits below the
// confirmation threshold, and deletes them once the contract's own balance
// becomes the source of truth.
package deposits

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/deposit"
	"github.com/decloud/controlplane/internal/app/events"
	"github.com/decloud/controlplane/internal/app/services/escrow"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// ChainReader is the slice of the escrow adapter the monitor needs. Tests
// supply a fake; production wires *escrow.Adapter.
type ChainReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	ScanDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]escrow.Deposit, error)
}

// DefaultScanInterval is the tick cadence for the deposit scan.
const DefaultScanInterval = 30 * time.Second

// usdcScale converts the contract's 6-decimal fixed-point amounts to the
// float amounts the rest of the control plane uses.
const usdcScale = 1_000_000

var _ system.Service = (*Monitor)(nil)

// Monitor is the lifecycle-managed deposit scanning loop.
type Monitor struct {
	chain    ChainReader
	store    storage.DepositStore
	hub      events.Emitter
	log      *logger.Logger
	interval time.Duration

	requiredConfirmations int64
	chainID               int64

	mu            sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       bool
	lastProcessed uint64
}

// NewMonitor creates a deposit monitor. requiredConfirmations is the depth
// at which the escrow contract's confirmed balance supersedes local
// tracking.
func NewMonitor(chain ChainReader, store storage.DepositStore, requiredConfirmations, chainID int64, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewDefault("deposit-monitor")
	}
	return &Monitor{
		chain:                 chain,
		store:                 store,
		log:                   log,
		interval:              DefaultScanInterval,
		requiredConfirmations: requiredConfirmations,
		chainID:               chainID,
	}
}

// WithInterval overrides the scan cadence, primarily for tests.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// WithEmitter wires the realtime event hub so depositors see confirmations.
func (m *Monitor) WithEmitter(hub events.Emitter) *Monitor {
	m.hub = hub
	return m
}

// Name returns the service identifier.
func (m *Monitor) Name() string { return "deposit-monitor" }

// Descriptor advertises the monitor's architectural placement.
func (m *Monitor) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "deposit-monitor",
		Domain:       "payments",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"scan", "confirm"},
	}
}

// Start begins the background scan loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Tick(runCtx)
			}
		}
	}()

	m.log.Info("deposit monitor started")
	return nil
}

// Stop halts the scan loop.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.log.Info("deposit monitor stopped")
	return nil
}

// Tick runs one scan pass: advance through new blocks in ≤100-block windows,
// upsert under-confirmed deposits, then sweep out anything past the
// confirmation depth. Exported so tests can drive it directly.
func (m *Monitor) Tick(ctx context.Context) {
	latest, err := m.chain.CurrentBlock(ctx)
	if err != nil {
		m.log.WithError(err).Warn("deposit scan: current block unavailable")
		return
	}

	m.mu.Lock()
	last := m.lastProcessed
	m.mu.Unlock()

	if last == 0 {
		// First pass: start requiredConfirmations blocks behind the current
		// tip rather than at genesis. Any deposit deeper than that is
		// already confirmed on-chain and needs no local tracking.
		if latest > uint64(m.requiredConfirmations) {
			last = latest - uint64(m.requiredConfirmations)
		}
	}

	if latest > last {
		to := latest
		if to > last+escrow.MaxBlockWindow {
			to = last + escrow.MaxBlockWindow
		}
		events, err := m.chain.ScanDeposits(ctx, last+1, to)
		if err != nil {
			m.log.WithError(err).WithField("from", last+1).WithField("to", to).Warn("deposit scan failed")
			return
		}
		for _, ev := range events {
			m.recordEvent(ctx, ev, latest)
		}
		m.mu.Lock()
		m.lastProcessed = to
		m.mu.Unlock()
	}

	m.sweepConfirmed(ctx, latest)
}

func (m *Monitor) recordEvent(ctx context.Context, ev escrow.Deposit, latest uint64) {
	confirmations := int64(latest - ev.BlockNumber)
	if confirmations >= m.requiredConfirmations {
		// Contract balance is already authoritative; nothing to track.
		return
	}
	d := deposit.PendingDeposit{
		TxHash:        ev.TxHash,
		WalletAddress: deposit.NormalizeWallet(ev.Wallet),
		Amount:        amountToFloat(ev.Amount),
		BlockNumber:   int64(ev.BlockNumber),
		Confirmations: confirmations,
		ChainID:       m.chainID,
	}
	if _, err := m.store.UpsertPendingDeposit(ctx, d); err != nil {
		m.log.WithError(err).WithField("txHash", ev.TxHash).Warn("record pending deposit failed")
		return
	}
	m.log.WithField("txHash", ev.TxHash).
		WithField("wallet", d.WalletAddress).
		WithField("confirmations", confirmations).
		Info("pending deposit tracked")
}

// sweepConfirmed deletes every tracked deposit whose depth has reached the
// confirmation threshold, including ones whose Deposited event a prior pass
// recorded before a reorg.
func (m *Monitor) sweepConfirmed(ctx context.Context, latest uint64) {
	all, err := m.store.ListAllPendingDeposits(ctx)
	if err != nil {
		m.log.WithError(err).Warn("pending deposit sweep failed")
		return
	}
	for _, d := range all {
		// Confirmation depth and the displayed count are the same quantity,
		// so a record never shows the required depth while still tracked.
		depth := int64(latest) - d.BlockNumber
		if depth < m.requiredConfirmations {
			updated := d
			updated.Confirmations = depth
			if updated.Confirmations != d.Confirmations {
				if _, err := m.store.UpsertPendingDeposit(ctx, updated); err != nil {
					m.log.WithError(err).WithField("txHash", d.TxHash).Warn("refresh pending deposit failed")
				}
			}
			continue
		}
		if err := m.store.DeletePendingDeposit(ctx, d.TxHash); err != nil {
			m.log.WithError(err).WithField("txHash", d.TxHash).Warn("delete confirmed deposit failed")
			continue
		}
		if m.hub != nil {
			m.hub.Emit(events.Event{
				Type:    events.TypeDepositConfirmed,
				OwnerID: d.WalletAddress,
				Fields:  map[string]string{"txHash": d.TxHash, "amount": fmt.Sprintf("%.6f", d.Amount)},
			})
		}
		m.log.WithField("txHash", d.TxHash).Info("deposit confirmed on-chain, local tracking dropped")
	}
}

func amountToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(usdcScale)).Float64()
	return f
}
