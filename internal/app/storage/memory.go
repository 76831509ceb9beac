package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/domain/deposit"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/obligation"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/usage"
	"github.com/decloud/controlplane/internal/app/domain/vm"
)

// Memory is a thread-safe in-memory projection backing every store
// interface in this package. It is the default store used for tests and the
// hot-path projection that WriteThrough updates after each write to the
// durable backing store (postgres.Store) succeeds.
type Memory struct {
	mu          sync.RWMutex
	nodes       map[string]node.Node
	vms         map[string]vm.VM
	obligations map[string]obligation.Obligation
	usageRecs   map[string]usage.Record
	deposits    map[string]deposit.PendingDeposit
	routes      map[string]route.Route // keyed by vmID
	credits     map[string]creditgrant.CreditGrant
	commands    map[string]command.Command
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:       make(map[string]node.Node),
		vms:         make(map[string]vm.VM),
		obligations: make(map[string]obligation.Obligation),
		usageRecs:   make(map[string]usage.Record),
		deposits:    make(map[string]deposit.PendingDeposit),
		routes:      make(map[string]route.Route),
		credits:     make(map[string]creditgrant.CreditGrant),
		commands:    make(map[string]command.Command),
	}
}

// --- NodeStore ---------------------------------------------------------

func (m *Memory) CreateNode(_ context.Context, n node.Node) (node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	} else if _, exists := m.nodes[n.ID]; exists {
		return node.Node{}, fmt.Errorf("node %s already exists", n.ID)
	}

	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now
	m.nodes[n.ID] = n
	return n, nil
}

func (m *Memory) UpdateNode(_ context.Context, n node.Node) (node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.nodes[n.ID]
	if !ok {
		return node.Node{}, fmt.Errorf("node %s not found", n.ID)
	}
	n.CreatedAt = original.CreatedAt
	n.UpdatedAt = time.Now().UTC()
	m.nodes[n.ID] = n
	return n, nil
}

func (m *Memory) GetNode(_ context.Context, id string) (node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return node.Node{}, fmt.Errorf("node %s not found", id)
	}
	return n, nil
}

func (m *Memory) ListNodes(_ context.Context) ([]node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	return nil
}

// --- VMStore -------------------------------------------------------------

func (m *Memory) CreateVM(_ context.Context, v vm.VM) (vm.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.NewString()
	} else if _, exists := m.vms[v.ID]; exists {
		return vm.VM{}, fmt.Errorf("vm %s already exists", v.ID)
	}

	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	m.vms[v.ID] = v
	return v, nil
}

func (m *Memory) UpdateVM(_ context.Context, v vm.VM) (vm.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.vms[v.ID]
	if !ok {
		return vm.VM{}, fmt.Errorf("vm %s not found", v.ID)
	}
	v.CreatedAt = original.CreatedAt
	v.UpdatedAt = time.Now().UTC()
	m.vms[v.ID] = v
	return v, nil
}

func (m *Memory) GetVM(_ context.Context, id string) (vm.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vms[id]
	if !ok {
		return vm.VM{}, fmt.Errorf("vm %s not found", id)
	}
	return v, nil
}

func (m *Memory) ListVMsByOwner(_ context.Context, ownerID string) ([]vm.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]vm.VM, 0)
	for _, v := range m.vms {
		if v.OwnerID == ownerID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListVMsByNode(_ context.Context, nodeID string, status vm.Status) ([]vm.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]vm.VM, 0)
	for _, v := range m.vms {
		if v.NodeID != nodeID {
			continue
		}
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListVMsByStatus(_ context.Context, status vm.Status) ([]vm.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]vm.VM, 0)
	for _, v := range m.vms {
		if v.Status == status {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListAllVMs(_ context.Context) ([]vm.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]vm.VM, 0, len(m.vms))
	for _, v := range m.vms {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteVM(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vms, id)
	return nil
}

// --- ObligationStore -------------------------------------------------------

func (m *Memory) CreateObligation(_ context.Context, o obligation.Obligation) (obligation.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	m.obligations[o.ID] = o
	return o, nil
}

func (m *Memory) UpdateObligation(_ context.Context, o obligation.Obligation) (obligation.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.obligations[o.ID]
	if !ok {
		return obligation.Obligation{}, fmt.Errorf("obligation %s not found", o.ID)
	}
	o.CreatedAt = original.CreatedAt
	o.UpdatedAt = time.Now().UTC()
	m.obligations[o.ID] = o
	return o, nil
}

func (m *Memory) GetObligation(_ context.Context, id string) (obligation.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.obligations[id]
	if !ok {
		return obligation.Obligation{}, fmt.Errorf("obligation %s not found", id)
	}
	return o, nil
}

func (m *Memory) FindObligation(_ context.Context, typ obligation.Type, resourceID string) (obligation.Obligation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Prefer the live obligation when a terminally failed predecessor for
	// the same (type, resourceId) is still on record.
	var failed *obligation.Obligation
	for _, o := range m.obligations {
		if o.Type != typ || o.ResourceID != resourceID {
			continue
		}
		if o.State != obligation.StateFailed {
			return o, true, nil
		}
		oCopy := o
		failed = &oCopy
	}
	if failed != nil {
		return *failed, true, nil
	}
	return obligation.Obligation{}, false, nil
}

func (m *Memory) ListDueObligations(_ context.Context, now time.Time) ([]obligation.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]obligation.Obligation, 0)
	for _, o := range m.obligations {
		if o.Due(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- UsageStore --------------------------------------------------------

func (m *Memory) CreateUsageRecord(_ context.Context, r usage.Record) (usage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	} else if _, exists := m.usageRecs[r.ID]; exists {
		// at-least-once dedup by id: return the existing record unchanged.
		return m.usageRecs[r.ID], nil
	}
	r.CreatedAt = time.Now().UTC()
	m.usageRecs[r.ID] = r
	return r, nil
}

func (m *Memory) UpdateUsageRecord(_ context.Context, r usage.Record) (usage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.usageRecs[r.ID]
	if !ok {
		return usage.Record{}, fmt.Errorf("usage record %s not found", r.ID)
	}
	if original.SettledOnChain && !r.SettledOnChain {
		return usage.Record{}, fmt.Errorf("usage record %s is immutable once settled", r.ID)
	}
	r.CreatedAt = original.CreatedAt
	m.usageRecs[r.ID] = r
	return r, nil
}

func (m *Memory) GetUsageRecord(_ context.Context, id string) (usage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.usageRecs[id]
	if !ok {
		return usage.Record{}, fmt.Errorf("usage record %s not found", id)
	}
	return r, nil
}

func (m *Memory) ListUnpaidUsageByUser(_ context.Context, userID string) ([]usage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]usage.Record, 0)
	for _, r := range m.usageRecs {
		if r.UserID == userID && !r.SettledOnChain {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (m *Memory) ListUnpaidUsageByUserAndNode(_ context.Context, userID, nodeID string) ([]usage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]usage.Record, 0)
	for _, r := range m.usageRecs {
		if r.UserID == userID && r.NodeID == nodeID && !r.SettledOnChain {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (m *Memory) ListUnpaidUsage(_ context.Context) ([]usage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]usage.Record, 0)
	for _, r := range m.usageRecs {
		if !r.SettledOnChain {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LastBilledPeriodEnd(_ context.Context, vmID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	found := false
	for _, r := range m.usageRecs {
		if r.VMID != vmID {
			continue
		}
		if !found || r.PeriodEnd.After(latest) {
			latest = r.PeriodEnd
			found = true
		}
	}
	return latest, found, nil
}

// --- DepositStore ------------------------------------------------------

func (m *Memory) UpsertPendingDeposit(_ context.Context, d deposit.PendingDeposit) (deposit.PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.WalletAddress = deposit.NormalizeWallet(d.WalletAddress)
	m.deposits[d.TxHash] = d
	return d, nil
}

func (m *Memory) GetPendingDeposit(_ context.Context, txHash string) (deposit.PendingDeposit, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[txHash]
	return d, ok, nil
}

func (m *Memory) ListPendingDepositsByWallet(_ context.Context, wallet string) ([]deposit.PendingDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wallet = deposit.NormalizeWallet(wallet)
	out := make([]deposit.PendingDeposit, 0)
	for _, d := range m.deposits {
		if d.WalletAddress == wallet {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (m *Memory) ListAllPendingDeposits(_ context.Context) ([]deposit.PendingDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]deposit.PendingDeposit, 0, len(m.deposits))
	for _, d := range m.deposits {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash < out[j].TxHash })
	return out, nil
}

func (m *Memory) DeletePendingDeposit(_ context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deposits, txHash)
	return nil
}

// --- RouteStore ----------------------------------------------------------

func (m *Memory) UpsertRoute(_ context.Context, r route.Route) (route.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.VMID] = r
	return r, nil
}

func (m *Memory) GetRouteBySubdomain(_ context.Context, subdomain string) (route.Route, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.routes {
		if r.Subdomain == subdomain {
			return r, true, nil
		}
	}
	return route.Route{}, false, nil
}

func (m *Memory) GetRouteByVM(_ context.Context, vmID string) (route.Route, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[vmID]
	return r, ok, nil
}

func (m *Memory) DeleteRouteByVM(_ context.Context, vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, vmID)
	return nil
}

// --- CreditGrantStore ------------------------------------------------------

func (m *Memory) CreateCreditGrant(_ context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = time.Now().UTC()
	m.credits[g.ID] = g
	return g, nil
}

func (m *Memory) UpdateCreditGrant(_ context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	original, ok := m.credits[g.ID]
	if !ok {
		return creditgrant.CreditGrant{}, fmt.Errorf("credit grant %s not found", g.ID)
	}
	g.CreatedAt = original.CreatedAt
	m.credits[g.ID] = g
	return g, nil
}

func (m *Memory) ListCreditGrantsByUser(_ context.Context, userID string) ([]creditgrant.CreditGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]creditgrant.CreditGrant, 0)
	for _, g := range m.credits {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Sort(creditgrant.ByExpiryFIFO(out))
	return out, nil
}

// --- CommandStore --------------------------------------------------------

func (m *Memory) CreateCommand(_ context.Context, c command.Command) (command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	m.commands[c.ID] = c
	return c, nil
}

func (m *Memory) UpdateCommand(_ context.Context, c command.Command) (command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	original, ok := m.commands[c.ID]
	if !ok {
		return command.Command{}, fmt.Errorf("command %s not found", c.ID)
	}
	c.CreatedAt = original.CreatedAt
	m.commands[c.ID] = c
	return c, nil
}

func (m *Memory) GetCommand(_ context.Context, id string) (command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[id]
	if !ok {
		return command.Command{}, fmt.Errorf("command %s not found", id)
	}
	return c, nil
}

func (m *Memory) ListPendingCommandsByNode(_ context.Context, nodeID string) ([]command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]command.Command, 0)
	for _, c := range m.commands {
		if c.NodeID == nodeID && (c.State == command.StateQueued || c.State == command.StatePushAttempted) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
