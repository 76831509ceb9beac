package obligations

import (
	"context"
	"fmt"

	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/obligation"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/pkg/logger"
)

// Default system VM shapes. DHT participants are tiny; relays need headroom
// for WireGuard peers.
var (
	dhtVMSpec = vm.Spec{
		VMType:      vm.TypeDHT,
		VCPUs:       1,
		MemBytes:    1 << 30,
		DiskBytes:   8 << 30,
		QualityTier: vm.TierBurstable,
		ImageID:     "system-dht",
	}
	relayVMSpec = vm.Spec{
		VMType:      vm.TypeRelay,
		VCPUs:       2,
		MemBytes:    2 << 30,
		DiskBytes:   10 << 30,
		QualityTier: vm.TierBalanced,
		ImageID:     "system-relay",
	}
)

// DefaultRelayCapacity is the peer capacity a freshly provisioned relay VM
// advertises.
const DefaultRelayCapacity = 64

// SystemVMProvisioner is the slice of the lifecycle manager the handlers
// use to materialize system VMs.
type SystemVMProvisioner interface {
	CreateSystemVM(ctx context.Context, nodeID, name string, spec vm.Spec) (vm.VM, error)
}

// RelayAssigner is the slice of the relay manager used by the assign-relay
// handler.
type RelayAssigner interface {
	AssignRelay(ctx context.Context, nodeID string) error
}

// Handlers bundles the typed obligation handlers and their bootstrap rules.
type Handlers struct {
	nodes       storage.NodeStore
	vms         storage.VMStore
	provisioner SystemVMProvisioner
	relays      RelayAssigner
	log         *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(nodes storage.NodeStore, vms storage.VMStore, provisioner SystemVMProvisioner, relays RelayAssigner, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.NewDefault("obligation-handlers")
	}
	return &Handlers{nodes: nodes, vms: vms, provisioner: provisioner, relays: relays, log: log}
}

// RegisterAll installs every handler on the reconciler.
func (h *Handlers) RegisterAll(r *Reconciler) {
	r.Register(obligation.TypeRunDHT, HandlerFunc(h.HandleRunDHT))
	r.Register(obligation.TypeRunRelay, HandlerFunc(h.HandleRunRelay))
	r.Register(obligation.TypeAssignRelay, HandlerFunc(h.HandleAssignRelay))
}

// Bootstrap materializes the duties a freshly registered node owes:
// every node runs a DHT participant; CGNAT nodes additionally need a relay
// assignment before they are reachable.
func (h *Handlers) Bootstrap(ctx context.Context, r *Reconciler, n node.Node) error {
	if _, err := r.Ensure(ctx, obligation.TypeRunDHT, n.ID); err != nil {
		return err
	}
	if n.NATType == node.NATCGNAT {
		if _, err := r.Ensure(ctx, obligation.TypeAssignRelay, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// HandleRunDHT drives a node toward hosting exactly one healthy DHT VM.
func (h *Handlers) HandleRunDHT(ctx context.Context, o obligation.Obligation) Result {
	return h.ensureSystemVM(ctx, o.ResourceID, vm.TypeDHT, dhtVMSpec, node.RoleDHT)
}

// HandleRunRelay drives a node toward hosting a relay VM, recording relay
// capacity on the node once the VM runs.
func (h *Handlers) HandleRunRelay(ctx context.Context, o obligation.Obligation) Result {
	result := h.ensureSystemVM(ctx, o.ResourceID, vm.TypeRelay, relayVMSpec, node.RoleRelay)
	if result.outcome != "completed" {
		return result
	}
	n, err := h.nodes.GetNode(ctx, o.ResourceID)
	if err != nil {
		return Retry("node not found after relay provisioning")
	}
	if n.RelayInfo == nil {
		n.RelayInfo = &node.RelayInfo{Status: "active", Capacity: DefaultRelayCapacity}
		if _, err := h.nodes.UpdateNode(ctx, n); err != nil {
			return Retry(fmt.Sprintf("record relay info: %v", err))
		}
	}
	return Completed()
}

// HandleAssignRelay selects and wires a relay for a CGNAT node.
func (h *Handlers) HandleAssignRelay(ctx context.Context, o obligation.Obligation) Result {
	n, err := h.nodes.GetNode(ctx, o.ResourceID)
	if err != nil {
		return Fail("node not found")
	}
	if n.NATType != node.NATCGNAT {
		return Completed() // NAT situation changed; nothing owed
	}
	if n.CGNATInfo != nil && n.CGNATInfo.TunnelIP != "" {
		return Completed()
	}
	if h.relays == nil {
		return Retry("relay manager not available")
	}
	if err := h.relays.AssignRelay(ctx, o.ResourceID); err != nil {
		return RetryableResult(err)
	}
	return Completed()
}

// ensureSystemVM is the shared run-dht/run-relay engine: observe the node's
// current system VM of the given type and either conclude, wait, or create.
func (h *Handlers) ensureSystemVM(ctx context.Context, nodeID string, typ vm.Type, spec vm.Spec, role node.ObligationRole) Result {
	n, err := h.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return Fail("node not found")
	}
	if n.Status == node.StatusOffline {
		return Retry("node offline")
	}

	var current *vm.VM
	for _, status := range []vm.Status{vm.StatusRunning, vm.StatusProvisioning, vm.StatusPlacing, vm.StatusPending} {
		placed, err := h.vms.ListVMsByNode(ctx, nodeID, status)
		if err != nil {
			return Retry(fmt.Sprintf("list vms: %v", err))
		}
		for i := range placed {
			if placed[i].Spec.VMType == typ {
				current = &placed[i]
				break
			}
		}
		if current != nil {
			break
		}
	}

	if current != nil {
		if current.Status == vm.StatusRunning && current.PowerState == vm.PowerRunning {
			h.recordNodeObligation(ctx, nodeID, role, current.ID, node.ObligationCompleted, "")
			return Completed()
		}
		return Retry(fmt.Sprintf("system vm %s still %s", current.ID, current.Status))
	}

	if h.provisioner == nil {
		return Retry("lifecycle manager not available")
	}
	name := fmt.Sprintf("%s-%s", typ, shortID(nodeID))
	created, err := h.provisioner.CreateSystemVM(ctx, nodeID, name, spec)
	if err != nil {
		h.recordNodeObligation(ctx, nodeID, role, "", node.ObligationInFlight, err.Error())
		return RetryableResult(err)
	}
	h.recordNodeObligation(ctx, nodeID, role, created.ID, node.ObligationInFlight, "")
	return Retry("system vm provisioning started")
}

// recordNodeObligation maintains the denormalized duty entry on the Node
// aggregate for quick operator-facing lookup.
func (h *Handlers) recordNodeObligation(ctx context.Context, nodeID string, role node.ObligationRole, vmID string, status node.ObligationStatus, lastError string) {
	n, err := h.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	found := false
	for i := range n.SystemVMObligations {
		if n.SystemVMObligations[i].Role == role {
			entry := &n.SystemVMObligations[i]
			if vmID != "" {
				entry.VMID = vmID
			}
			entry.Status = status
			entry.LastError = lastError
			if lastError != "" {
				entry.FailureCount++
			}
			found = true
			break
		}
	}
	if !found {
		entry := node.SystemVMObligation{Role: role, VMID: vmID, Status: status, LastError: lastError}
		if lastError != "" {
			entry.FailureCount = 1
		}
		n.SystemVMObligations = append(n.SystemVMObligations, entry)
	}
	if _, err := h.nodes.UpdateNode(ctx, n); err != nil {
		h.log.WithError(err).WithField("node_id", nodeID).Warn("record node obligation failed")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
