package storage

import (
	"context"
	"time"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/domain/deposit"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/obligation"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/usage"
	"github.com/decloud/controlplane/internal/app/domain/vm"
)

// Backend is a durable store that can serve every aggregate interface and
// hand over whole collections for the startup load.
type Backend interface {
	NodeStore
	VMStore
	ObligationStore
	UsageStore
	DepositStore
	RouteStore
	CreditGrantStore
	CommandStore

	ListAllObligations(ctx context.Context) ([]obligation.Obligation, error)
	ListAllRoutes(ctx context.Context) ([]route.Route, error)
	ListAllCreditGrants(ctx context.Context) ([]creditgrant.CreditGrant, error)
	ListUndeliveredCommands(ctx context.Context) ([]command.Command, error)
	ListAllUsageRecords(ctx context.Context) ([]usage.Record, error)
}

// WriteThrough serves reads from the in-memory projection and pushes every
// mutation to the durable backend before it lands in memory, so a mutation
// is never acknowledged until it is durable. Load warms the projection at
// startup.
type WriteThrough struct {
	mem     *Memory
	durable Backend
}

// NewWriteThrough composes the projection and the durable backend.
func NewWriteThrough(mem *Memory, durable Backend) *WriteThrough {
	if mem == nil {
		mem = NewMemory()
	}
	return &WriteThrough{mem: mem, durable: durable}
}

var (
	_ NodeStore        = (*WriteThrough)(nil)
	_ VMStore          = (*WriteThrough)(nil)
	_ ObligationStore  = (*WriteThrough)(nil)
	_ UsageStore       = (*WriteThrough)(nil)
	_ DepositStore     = (*WriteThrough)(nil)
	_ RouteStore       = (*WriteThrough)(nil)
	_ CreditGrantStore = (*WriteThrough)(nil)
	_ CommandStore     = (*WriteThrough)(nil)
)

// Load pulls every aggregate out of the durable backend into the memory
// projection. Call once before serving traffic.
func (w *WriteThrough) Load(ctx context.Context) error {
	nodes, err := w.durable.ListNodes(ctx)
	if err != nil {
		return err
	}
	vms, err := w.durable.ListAllVMs(ctx)
	if err != nil {
		return err
	}
	obligations, err := w.durable.ListAllObligations(ctx)
	if err != nil {
		return err
	}
	records, err := w.durable.ListAllUsageRecords(ctx)
	if err != nil {
		return err
	}
	deposits, err := w.durable.ListAllPendingDeposits(ctx)
	if err != nil {
		return err
	}
	routes, err := w.durable.ListAllRoutes(ctx)
	if err != nil {
		return err
	}
	grants, err := w.durable.ListAllCreditGrants(ctx)
	if err != nil {
		return err
	}
	commands, err := w.durable.ListUndeliveredCommands(ctx)
	if err != nil {
		return err
	}

	w.mem.mu.Lock()
	defer w.mem.mu.Unlock()
	for _, n := range nodes {
		w.mem.nodes[n.ID] = n
	}
	for _, v := range vms {
		w.mem.vms[v.ID] = v
	}
	for _, o := range obligations {
		w.mem.obligations[o.ID] = o
	}
	for _, r := range records {
		w.mem.usageRecs[r.ID] = r
	}
	for _, d := range deposits {
		w.mem.deposits[d.TxHash] = d
	}
	for _, r := range routes {
		w.mem.routes[r.VMID] = r
	}
	for _, g := range grants {
		w.mem.credits[g.ID] = g
	}
	for _, c := range commands {
		w.mem.commands[c.ID] = c
	}
	return nil
}

// mirror helpers copy the durable store's view of a mutated aggregate into
// the projection verbatim (timestamps included).

func (w *WriteThrough) mirrorNode(n node.Node) {
	w.mem.mu.Lock()
	w.mem.nodes[n.ID] = n
	w.mem.mu.Unlock()
}

func (w *WriteThrough) mirrorVM(v vm.VM) {
	w.mem.mu.Lock()
	w.mem.vms[v.ID] = v
	w.mem.mu.Unlock()
}

// --- NodeStore -----------------------------------------------------------

func (w *WriteThrough) CreateNode(ctx context.Context, n node.Node) (node.Node, error) {
	created, err := w.durable.CreateNode(ctx, n)
	if err != nil {
		return node.Node{}, err
	}
	w.mirrorNode(created)
	return created, nil
}

func (w *WriteThrough) UpdateNode(ctx context.Context, n node.Node) (node.Node, error) {
	updated, err := w.durable.UpdateNode(ctx, n)
	if err != nil {
		return node.Node{}, err
	}
	w.mirrorNode(updated)
	return updated, nil
}

func (w *WriteThrough) GetNode(ctx context.Context, id string) (node.Node, error) {
	return w.mem.GetNode(ctx, id)
}

func (w *WriteThrough) ListNodes(ctx context.Context) ([]node.Node, error) {
	return w.mem.ListNodes(ctx)
}

func (w *WriteThrough) DeleteNode(ctx context.Context, id string) error {
	if err := w.durable.DeleteNode(ctx, id); err != nil {
		return err
	}
	return w.mem.DeleteNode(ctx, id)
}

// --- VMStore -------------------------------------------------------------

func (w *WriteThrough) CreateVM(ctx context.Context, v vm.VM) (vm.VM, error) {
	created, err := w.durable.CreateVM(ctx, v)
	if err != nil {
		return vm.VM{}, err
	}
	w.mirrorVM(created)
	return created, nil
}

func (w *WriteThrough) UpdateVM(ctx context.Context, v vm.VM) (vm.VM, error) {
	updated, err := w.durable.UpdateVM(ctx, v)
	if err != nil {
		return vm.VM{}, err
	}
	w.mirrorVM(updated)
	return updated, nil
}

func (w *WriteThrough) GetVM(ctx context.Context, id string) (vm.VM, error) {
	return w.mem.GetVM(ctx, id)
}

func (w *WriteThrough) ListVMsByOwner(ctx context.Context, ownerID string) ([]vm.VM, error) {
	return w.mem.ListVMsByOwner(ctx, ownerID)
}

func (w *WriteThrough) ListVMsByNode(ctx context.Context, nodeID string, status vm.Status) ([]vm.VM, error) {
	return w.mem.ListVMsByNode(ctx, nodeID, status)
}

func (w *WriteThrough) ListVMsByStatus(ctx context.Context, status vm.Status) ([]vm.VM, error) {
	return w.mem.ListVMsByStatus(ctx, status)
}

func (w *WriteThrough) ListAllVMs(ctx context.Context) ([]vm.VM, error) {
	return w.mem.ListAllVMs(ctx)
}

func (w *WriteThrough) DeleteVM(ctx context.Context, id string) error {
	if err := w.durable.DeleteVM(ctx, id); err != nil {
		return err
	}
	return w.mem.DeleteVM(ctx, id)
}

// --- ObligationStore -----------------------------------------------------

func (w *WriteThrough) CreateObligation(ctx context.Context, o obligation.Obligation) (obligation.Obligation, error) {
	created, err := w.durable.CreateObligation(ctx, o)
	if err != nil {
		return obligation.Obligation{}, err
	}
	w.mem.mu.Lock()
	w.mem.obligations[created.ID] = created
	w.mem.mu.Unlock()
	return created, nil
}

func (w *WriteThrough) UpdateObligation(ctx context.Context, o obligation.Obligation) (obligation.Obligation, error) {
	updated, err := w.durable.UpdateObligation(ctx, o)
	if err != nil {
		return obligation.Obligation{}, err
	}
	w.mem.mu.Lock()
	w.mem.obligations[updated.ID] = updated
	w.mem.mu.Unlock()
	return updated, nil
}

func (w *WriteThrough) GetObligation(ctx context.Context, id string) (obligation.Obligation, error) {
	return w.mem.GetObligation(ctx, id)
}

func (w *WriteThrough) FindObligation(ctx context.Context, typ obligation.Type, resourceID string) (obligation.Obligation, bool, error) {
	return w.mem.FindObligation(ctx, typ, resourceID)
}

func (w *WriteThrough) ListDueObligations(ctx context.Context, now time.Time) ([]obligation.Obligation, error) {
	return w.mem.ListDueObligations(ctx, now)
}

// --- UsageStore ----------------------------------------------------------

func (w *WriteThrough) CreateUsageRecord(ctx context.Context, r usage.Record) (usage.Record, error) {
	created, err := w.durable.CreateUsageRecord(ctx, r)
	if err != nil {
		return usage.Record{}, err
	}
	w.mem.mu.Lock()
	w.mem.usageRecs[created.ID] = created
	w.mem.mu.Unlock()
	return created, nil
}

func (w *WriteThrough) UpdateUsageRecord(ctx context.Context, r usage.Record) (usage.Record, error) {
	updated, err := w.durable.UpdateUsageRecord(ctx, r)
	if err != nil {
		return usage.Record{}, err
	}
	w.mem.mu.Lock()
	w.mem.usageRecs[updated.ID] = updated
	w.mem.mu.Unlock()
	return updated, nil
}

func (w *WriteThrough) GetUsageRecord(ctx context.Context, id string) (usage.Record, error) {
	return w.mem.GetUsageRecord(ctx, id)
}

func (w *WriteThrough) ListUnpaidUsageByUser(ctx context.Context, userID string) ([]usage.Record, error) {
	return w.mem.ListUnpaidUsageByUser(ctx, userID)
}

func (w *WriteThrough) ListUnpaidUsageByUserAndNode(ctx context.Context, userID, nodeID string) ([]usage.Record, error) {
	return w.mem.ListUnpaidUsageByUserAndNode(ctx, userID, nodeID)
}

func (w *WriteThrough) ListUnpaidUsage(ctx context.Context) ([]usage.Record, error) {
	return w.mem.ListUnpaidUsage(ctx)
}

func (w *WriteThrough) LastBilledPeriodEnd(ctx context.Context, vmID string) (time.Time, bool, error) {
	return w.mem.LastBilledPeriodEnd(ctx, vmID)
}

// --- DepositStore --------------------------------------------------------

func (w *WriteThrough) UpsertPendingDeposit(ctx context.Context, d deposit.PendingDeposit) (deposit.PendingDeposit, error) {
	upserted, err := w.durable.UpsertPendingDeposit(ctx, d)
	if err != nil {
		return deposit.PendingDeposit{}, err
	}
	w.mem.mu.Lock()
	w.mem.deposits[upserted.TxHash] = upserted
	w.mem.mu.Unlock()
	return upserted, nil
}

func (w *WriteThrough) GetPendingDeposit(ctx context.Context, txHash string) (deposit.PendingDeposit, bool, error) {
	return w.mem.GetPendingDeposit(ctx, txHash)
}

func (w *WriteThrough) ListPendingDepositsByWallet(ctx context.Context, wallet string) ([]deposit.PendingDeposit, error) {
	return w.mem.ListPendingDepositsByWallet(ctx, wallet)
}

func (w *WriteThrough) ListAllPendingDeposits(ctx context.Context) ([]deposit.PendingDeposit, error) {
	return w.mem.ListAllPendingDeposits(ctx)
}

func (w *WriteThrough) DeletePendingDeposit(ctx context.Context, txHash string) error {
	if err := w.durable.DeletePendingDeposit(ctx, txHash); err != nil {
		return err
	}
	return w.mem.DeletePendingDeposit(ctx, txHash)
}

// --- RouteStore ----------------------------------------------------------

func (w *WriteThrough) UpsertRoute(ctx context.Context, r route.Route) (route.Route, error) {
	upserted, err := w.durable.UpsertRoute(ctx, r)
	if err != nil {
		return route.Route{}, err
	}
	w.mem.mu.Lock()
	w.mem.routes[upserted.VMID] = upserted
	w.mem.mu.Unlock()
	return upserted, nil
}

func (w *WriteThrough) GetRouteBySubdomain(ctx context.Context, subdomain string) (route.Route, bool, error) {
	return w.mem.GetRouteBySubdomain(ctx, subdomain)
}

func (w *WriteThrough) GetRouteByVM(ctx context.Context, vmID string) (route.Route, bool, error) {
	return w.mem.GetRouteByVM(ctx, vmID)
}

func (w *WriteThrough) DeleteRouteByVM(ctx context.Context, vmID string) error {
	if err := w.durable.DeleteRouteByVM(ctx, vmID); err != nil {
		return err
	}
	return w.mem.DeleteRouteByVM(ctx, vmID)
}

// --- CreditGrantStore ----------------------------------------------------

func (w *WriteThrough) CreateCreditGrant(ctx context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error) {
	created, err := w.durable.CreateCreditGrant(ctx, g)
	if err != nil {
		return creditgrant.CreditGrant{}, err
	}
	w.mem.mu.Lock()
	w.mem.credits[created.ID] = created
	w.mem.mu.Unlock()
	return created, nil
}

func (w *WriteThrough) UpdateCreditGrant(ctx context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error) {
	updated, err := w.durable.UpdateCreditGrant(ctx, g)
	if err != nil {
		return creditgrant.CreditGrant{}, err
	}
	w.mem.mu.Lock()
	w.mem.credits[updated.ID] = updated
	w.mem.mu.Unlock()
	return updated, nil
}

func (w *WriteThrough) ListCreditGrantsByUser(ctx context.Context, userID string) ([]creditgrant.CreditGrant, error) {
	return w.mem.ListCreditGrantsByUser(ctx, userID)
}

// --- CommandStore --------------------------------------------------------

func (w *WriteThrough) CreateCommand(ctx context.Context, c command.Command) (command.Command, error) {
	created, err := w.durable.CreateCommand(ctx, c)
	if err != nil {
		return command.Command{}, err
	}
	w.mem.mu.Lock()
	w.mem.commands[created.ID] = created
	w.mem.mu.Unlock()
	return created, nil
}

func (w *WriteThrough) UpdateCommand(ctx context.Context, c command.Command) (command.Command, error) {
	updated, err := w.durable.UpdateCommand(ctx, c)
	if err != nil {
		return command.Command{}, err
	}
	w.mem.mu.Lock()
	w.mem.commands[updated.ID] = updated
	w.mem.mu.Unlock()
	return updated, nil
}

func (w *WriteThrough) GetCommand(ctx context.Context, id string) (command.Command, error) {
	return w.mem.GetCommand(ctx, id)
}

func (w *WriteThrough) ListPendingCommandsByNode(ctx context.Context, nodeID string) ([]command.Command, error) {
	return w.mem.ListPendingCommandsByNode(ctx, nodeID)
}
