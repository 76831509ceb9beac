// Package storage defines per-aggregate persistence contracts and an
// in-memory implementation backing the hot-path projections every component
// reads from.
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

// NodeStore persists Node aggregates. Nodes are written by the heartbeat
// handler and the obligation reconciler.
type NodeStore interface {
	CreateNode(ctx context.Context, n node.Node) (node.Node, error)
	UpdateNode(ctx context.Context, n node.Node) (node.Node, error)
	GetNode(ctx context.Context, id string) (node.Node, error)
	ListNodes(ctx context.Context) ([]node.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// VMStore persists VirtualMachine aggregates. Written by the lifecycle
// manager and, for billing fields, by the billing ticker.
type VMStore interface {
	CreateVM(ctx context.Context, v vm.VM) (vm.VM, error)
	UpdateVM(ctx context.Context, v vm.VM) (vm.VM, error)
	GetVM(ctx context.Context, id string) (vm.VM, error)
	ListVMsByOwner(ctx context.Context, ownerID string) ([]vm.VM, error)
	ListVMsByNode(ctx context.Context, nodeID string, status vm.Status) ([]vm.VM, error)
	ListVMsByStatus(ctx context.Context, status vm.Status) ([]vm.VM, error)
	ListAllVMs(ctx context.Context) ([]vm.VM, error)
	DeleteVM(ctx context.Context, id string) error
}

// ObligationStore persists Obligation aggregates for the reconciler.
type ObligationStore interface {
	CreateObligation(ctx context.Context, o obligation.Obligation) (obligation.Obligation, error)
	UpdateObligation(ctx context.Context, o obligation.Obligation) (obligation.Obligation, error)
	GetObligation(ctx context.Context, id string) (obligation.Obligation, error)
	FindObligation(ctx context.Context, typ obligation.Type, resourceID string) (obligation.Obligation, bool, error)
	ListDueObligations(ctx context.Context, now time.Time) ([]obligation.Obligation, error)
}

// UsageStore persists billed usage records for the billing and settlement
// tickers.
type UsageStore interface {
	CreateUsageRecord(ctx context.Context, r usage.Record) (usage.Record, error)
	UpdateUsageRecord(ctx context.Context, r usage.Record) (usage.Record, error)
	GetUsageRecord(ctx context.Context, id string) (usage.Record, error)
	ListUnpaidUsageByUser(ctx context.Context, userID string) ([]usage.Record, error)
	ListUnpaidUsageByUserAndNode(ctx context.Context, userID, nodeID string) ([]usage.Record, error)
	ListUnpaidUsage(ctx context.Context) ([]usage.Record, error)
	LastBilledPeriodEnd(ctx context.Context, vmID string) (time.Time, bool, error)
}

// DepositStore persists PendingDeposit aggregates, keyed by txHash.
type DepositStore interface {
	UpsertPendingDeposit(ctx context.Context, d deposit.PendingDeposit) (deposit.PendingDeposit, error)
	GetPendingDeposit(ctx context.Context, txHash string) (deposit.PendingDeposit, bool, error)
	ListPendingDepositsByWallet(ctx context.Context, wallet string) ([]deposit.PendingDeposit, error)
	ListAllPendingDeposits(ctx context.Context) ([]deposit.PendingDeposit, error)
	DeletePendingDeposit(ctx context.Context, txHash string) error
}

// RouteStore persists Route projections consumed by the proxy layer.
type RouteStore interface {
	UpsertRoute(ctx context.Context, r route.Route) (route.Route, error)
	GetRouteBySubdomain(ctx context.Context, subdomain string) (route.Route, bool, error)
	GetRouteByVM(ctx context.Context, vmID string) (route.Route, bool, error)
	DeleteRouteByVM(ctx context.Context, vmID string) error
}

// CreditGrantStore persists CreditGrant aggregates.
type CreditGrantStore interface {
	CreateCreditGrant(ctx context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error)
	UpdateCreditGrant(ctx context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error)
	ListCreditGrantsByUser(ctx context.Context, userID string) ([]creditgrant.CreditGrant, error)
}

// CommandStore persists the per-node command queue for the command bus.
type CommandStore interface {
	CreateCommand(ctx context.Context, c command.Command) (command.Command, error)
	UpdateCommand(ctx context.Context, c command.Command) (command.Command, error)
	GetCommand(ctx context.Context, id string) (command.Command, error)
	ListPendingCommandsByNode(ctx context.Context, nodeID string) ([]command.Command, error)
}

// Stores aggregates every per-aggregate store the application wires. Nil
// members are backfilled with an in-memory default by ApplyDefaults.
type Stores struct {
	Nodes        NodeStore
	VMs          VMStore
	Obligations  ObligationStore
	Usage        UsageStore
	Deposits     DepositStore
	Routes       RouteStore
	CreditGrants CreditGrantStore
	Commands     CommandStore
}

// ApplyDefaults backfills any nil store with mem's corresponding
// implementation.
func (s *Stores) ApplyDefaults(mem *Memory) {
	if s.Nodes == nil {
		s.Nodes = mem
	}
	if s.VMs == nil {
		s.VMs = mem
	}
	if s.Obligations == nil {
		s.Obligations = mem
	}
	if s.Usage == nil {
		s.Usage = mem
	}
	if s.Deposits == nil {
		s.Deposits = mem
	}
	if s.Routes == nil {
		s.Routes = mem
	}
	if s.CreditGrants == nil {
		s.CreditGrants = mem
	}
	if s.Commands == nil {
		s.Commands = mem
	}
}
