// Package relay selects relay VMs for CGNAT nodes, allocates tunnel
// addresses, and wires WireGuard peers through the command bus.
package relay

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/decloud/controlplane/internal/app/apperr"
	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/pkg/logger"
)

// WireGuardListenPort is the UDP port relay VMs listen on.
const WireGuardListenPort = 51820

// CommandEnqueuer is the slice of the command bus the manager uses.
type CommandEnqueuer interface {
	Enqueue(ctx context.Context, nodeID string, typ command.Type, payload interface{}) (command.Command, error)
}

// AddWireguardPeerPayload instructs a relay's hosting agent to add a peer
// to the relay VM's WireGuard interface.
type AddWireguardPeerPayload struct {
	RelayVMID     string `json:"relayVmId"`
	PeerPublicKey string `json:"peerPublicKey"`
	TunnelIP      string `json:"tunnelIp"`
}

// ConfigureTunnelPayload instructs a CGNAT node's agent to bring up its side
// of the tunnel. The private key travels over the agent channel once and is
// never persisted or logged by the control plane.
type ConfigureTunnelPayload struct {
	PrivateKey    string `json:"privateKey"`
	TunnelIP      string `json:"tunnelIp"`
	RelayEndpoint string `json:"relayEndpoint"`
	RelayNodeID   string `json:"relayNodeId"`
}

// Manager assigns relays to CGNAT nodes. Idempotent by node id.
type Manager struct {
	nodes storage.NodeStore
	vms   storage.VMStore
	bus   CommandEnqueuer
	log   *logger.Logger

	mu sync.Mutex // serializes tunnel IP allocation
}

// NewManager creates a relay manager.
func NewManager(nodes storage.NodeStore, vms storage.VMStore, bus CommandEnqueuer, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("relay")
	}
	return &Manager{nodes: nodes, vms: vms, bus: bus, log: log}
}

// Descriptor advertises the manager's architectural placement.
func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "relay-manager",
		Domain:       "network",
		Layer:        core.LayerEngine,
		Capabilities: []string{"select", "allocate", "wire"},
	}
}

// AssignRelay selects a relay for the CGNAT node, allocates a tunnel IP,
// and dispatches the WireGuard wiring commands. Calling it again after a
// completed assignment is a no-op.
func (m *Manager) AssignRelay(ctx context.Context, nodeID string) error {
	target, err := m.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return apperr.NotFound("NODE_NOT_FOUND", "unknown node")
	}
	if target.NATType != node.NATCGNAT {
		return apperr.InvalidInput("NOT_CGNAT", "node does not need a relay")
	}
	if target.CGNATInfo != nil && target.CGNATInfo.TunnelIP != "" {
		return nil
	}

	relayNode, relayVM, err := m.selectRelay(ctx, target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	tunnelIP, err := m.allocateTunnelIP(ctx, relayNode)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	// Reserve the address before releasing the allocation lock so a
	// concurrent assignment cannot hand out the same IP.
	target.CGNATInfo = &node.CGNATInfo{
		AssignedRelayNodeID: relayNode.ID,
		TunnelIP:            tunnelIP,
	}
	target.UpdatedAt = time.Now().UTC()
	if target, err = m.nodes.UpdateNode(ctx, target); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return apperr.Internal("WG_KEYGEN_FAILED", "generate wireguard key pair", err)
	}

	if _, err := m.bus.Enqueue(ctx, relayNode.ID, command.TypeAddWireguardPeer, AddWireguardPeerPayload{
		RelayVMID:     relayVM.ID,
		PeerPublicKey: key.PublicKey().String(),
		TunnelIP:      tunnelIP,
	}); err != nil {
		return apperr.Upstream("RELAY_PEER_ENQUEUE_FAILED", "enqueue add-peer command", err)
	}

	if _, err := m.bus.Enqueue(ctx, target.ID, command.TypeConfigureTunnel, ConfigureTunnelPayload{
		PrivateKey:    key.String(),
		TunnelIP:      tunnelIP,
		RelayEndpoint: fmt.Sprintf("%s:%d", relayNode.PublicIP, WireGuardListenPort),
		RelayNodeID:   relayNode.ID,
	}); err != nil {
		return apperr.Upstream("RELAY_TUNNEL_ENQUEUE_FAILED", "enqueue configure-tunnel command", err)
	}

	if relayNode.RelayInfo != nil {
		relayNode.RelayInfo.ActivePeers++
		relayNode.UpdatedAt = time.Now().UTC()
		if _, err := m.nodes.UpdateNode(ctx, relayNode); err != nil {
			m.log.WithError(err).WithField("node_id", relayNode.ID).Warn("bump relay peer count failed")
		}
	}

	m.log.WithField("node_id", nodeID).
		WithField("relay_node_id", relayNode.ID).
		WithField("tunnel_ip", tunnelIP).
		Info("relay assigned to cgnat node")
	return nil
}

// selectRelay scores active relays: lowest utilization first, then same
// region (the only proximity signal nodes carry), stable order otherwise.
// Relays at capacity are rejected.
func (m *Manager) selectRelay(ctx context.Context, target node.Node) (node.Node, vm.VM, error) {
	all, err := m.nodes.ListNodes(ctx)
	if err != nil {
		return node.Node{}, vm.VM{}, err
	}

	type option struct {
		n           node.Node
		v           vm.VM
		utilization float64
		sameRegion  bool
	}
	var options []option
	for _, n := range all {
		if n.ID == target.ID || n.Status != node.StatusOnline {
			continue
		}
		if n.RelayInfo == nil || n.RelayInfo.Status != "active" {
			continue
		}
		if n.RelayInfo.Capacity <= 0 || n.RelayInfo.ActivePeers >= n.RelayInfo.Capacity {
			continue
		}
		relayVM, ok := m.runningRelayVM(ctx, n.ID)
		if !ok {
			continue
		}
		options = append(options, option{
			n:           n,
			v:           relayVM,
			utilization: float64(n.RelayInfo.ActivePeers) / float64(n.RelayInfo.Capacity),
			sameRegion:  target.Region != "" && n.Region == target.Region,
		})
	}

	if len(options) == 0 {
		return node.Node{}, vm.VM{}, apperr.ResourceExhausted("NO_RELAY", "no relay with free capacity")
	}

	sort.SliceStable(options, func(i, j int) bool {
		a, b := options[i], options[j]
		if a.utilization != b.utilization {
			return a.utilization < b.utilization
		}
		if a.sameRegion != b.sameRegion {
			return a.sameRegion
		}
		return a.n.ID < b.n.ID
	})
	best := options[0]
	return best.n, best.v, nil
}

func (m *Manager) runningRelayVM(ctx context.Context, nodeID string) (vm.VM, bool) {
	placed, err := m.vms.ListVMsByNode(ctx, nodeID, vm.StatusRunning)
	if err != nil {
		return vm.VM{}, false
	}
	for _, v := range placed {
		if v.Spec.VMType == vm.TypeRelay {
			return v, true
		}
	}
	return vm.VM{}, false
}

// allocateTunnelIP hands out the next free address in the relay's private
// /16. Each relay gets a stable 10.x.0.0/16 derived from its node id.
// Addresses whose last octet is 0 or 1 are never handed out, which keeps
// .0.0 and .0.1 free for the relay itself.
func (m *Manager) allocateTunnelIP(ctx context.Context, relayNode node.Node) (string, error) {
	second := tunnelSubnetOctet(relayNode.ID)

	used := make(map[string]struct{})
	all, err := m.nodes.ListNodes(ctx)
	if err != nil {
		return "", err
	}
	for _, n := range all {
		if n.CGNATInfo != nil && n.CGNATInfo.AssignedRelayNodeID == relayNode.ID && n.CGNATInfo.TunnelIP != "" {
			used[n.CGNATInfo.TunnelIP] = struct{}{}
		}
	}

	for third := 0; third < 256; third++ {
		for fourth := 2; fourth < 256; fourth++ {
			candidate := fmt.Sprintf("10.%d.%d.%d", second, third, fourth)
			if _, taken := used[candidate]; !taken {
				return candidate, nil
			}
		}
	}
	return "", apperr.ResourceExhausted("TUNNEL_SUBNET_FULL", "relay tunnel subnet exhausted")
}

// tunnelSubnetOctet maps a relay node id onto a stable second octet in
// [16, 240), keeping relay subnets disjoint with high probability.
func tunnelSubnetOctet(relayNodeID string) int {
	h := fnv.New32a()
	h.Write([]byte(relayNodeID))
	return 16 + int(h.Sum32()%224)
}
