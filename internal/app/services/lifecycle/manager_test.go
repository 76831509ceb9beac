package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/services/scheduler"
	"github.com/decloud/controlplane/internal/app/storage"
)

type fakeBus struct {
	mu       sync.Mutex
	commands []command.Command
}

func (f *fakeBus) Enqueue(_ context.Context, nodeID string, typ command.Type, payload interface{}) (command.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(payload)
	cmd := command.Command{ID: "cmd-" + string(typ), NodeID: nodeID, Type: typ, Payload: raw, State: command.StateQueued}
	f.commands = append(f.commands, cmd)
	return cmd, nil
}

func (f *fakeBus) byType(typ command.Type) []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command.Command
	for _, c := range f.commands {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

type fakePlacer struct{ candidates []scheduler.Candidate }

func (f *fakePlacer) Schedule(context.Context, scheduler.Request) ([]scheduler.Candidate, error) {
	return f.candidates, nil
}

type fakeAttest struct {
	mu        sync.Mutex
	forgotten []string
}

func (f *fakeAttest) Record(string, bool, time.Time) {}
func (f *fakeAttest) Forget(vmID string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, vmID)
	f.mu.Unlock()
}

func newTestManager(t *testing.T, mem *storage.Memory, placer Placer, bus CommandEnqueuer) *Manager {
	t.Helper()
	return NewManager(mem, mem, mem, placer, bus, &fakeAttest{}, nil, nil)
}

func seedNode(t *testing.T, mem *storage.Memory, id string, nat node.NATType) node.Node {
	t.Helper()
	n, err := mem.CreateNode(context.Background(), node.Node{
		ID:              id,
		WalletAddress:   "0xabc0000000000000000000000000000000000001",
		PublicIP:        "203.0.113.10",
		AgentPort:       5100,
		NATType:         nat,
		Status:          node.StatusOnline,
		LastHeartbeatAt: time.Now().UTC(),
		Hardware:        node.Hardware{CPUCores: 16, MemBytes: 64 << 30, DiskBytes: 1 << 40, BenchmarkScore: 3000},
	})
	require.NoError(t, err)
	return n
}

func TestCreateVMPlacesAndProvisions(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n := seedNode(t, mem, "node-1", node.NATNone)
	bus := &fakeBus{}
	placer := &fakePlacer{candidates: []scheduler.Candidate{{Node: n, Rate: 0.02}}}
	m := newTestManager(t, mem, placer, bus)

	created, err := m.CreateVM(ctx, CreateRequest{
		OwnerID: "0xowner",
		Name:    "My Awesome VM!",
		Spec:    vm.Spec{VMType: vm.TypeGeneral, VCPUs: 2, MemBytes: 4 << 30, DiskBytes: 40 << 30, QualityTier: vm.TierStandard, ImageID: "ubuntu-24.04"},
	})
	require.NoError(t, err)
	assert.Contains(t, created.Name, "my-awesome-vm-")

	// Placement runs on a background goroutine; poll until it lands.
	require.Eventually(t, func() bool {
		v, err := mem.GetVM(ctx, created.ID)
		return err == nil && v.Status == vm.StatusProvisioning
	}, 2*time.Second, 10*time.Millisecond)

	v, err := mem.GetVM(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, v.NodeID)
	assert.Equal(t, 0.02, v.Billing.HourlyRateCrypto)
	require.Len(t, bus.byType(command.TypeCreateVM), 1)
}

func TestHeartbeatPromotesProvisioningToRunning(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n := seedNode(t, mem, "node-1", node.NATNone)
	bus := &fakeBus{}
	m := newTestManager(t, mem, &fakePlacer{}, bus)

	v, err := mem.CreateVM(ctx, vm.VM{
		ID:      "vm-1",
		OwnerID: "0xowner",
		NodeID:  n.ID,
		Name:    "web-a1b2",
		Spec:    vm.Spec{VMType: vm.TypeGeneral, VCPUs: 2, MemBytes: 4 << 30},
		Status:  vm.StatusProvisioning,
	})
	require.NoError(t, err)

	err = m.ProcessHeartbeat(ctx, n.ID, Heartbeat{
		PowerStates: map[string]vm.PowerState{v.ID: vm.PowerRunning},
	})
	require.NoError(t, err)

	got, err := mem.GetVM(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, vm.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	r, ok, err := mem.GetRouteBySubdomain(ctx, "web-a1b2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, route.StatusActive, r.Status)
	assert.Equal(t, v.ID, r.VMID)
}

func TestFalsePositiveDeletingRecovery(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n := seedNode(t, mem, "node-1", node.NATNone)
	bus := &fakeBus{}
	m := newTestManager(t, mem, &fakePlacer{}, bus)

	// The DHT VM a faulty check marked Deleting.
	victim, err := mem.CreateVM(ctx, vm.VM{
		ID:      "vm-dht-1",
		OwnerID: "system",
		NodeID:  n.ID,
		Name:    "dht-node-1",
		Spec:    vm.Spec{VMType: vm.TypeDHT, VCPUs: 1, MemBytes: 1 << 30},
		Status:  vm.StatusDeleting,
	})
	require.NoError(t, err)

	// A ghost duplicate spawned while the victim was presumed dead.
	ghost, err := mem.CreateVM(ctx, vm.VM{
		ID:      "vm-dht-2",
		OwnerID: "system",
		NodeID:  n.ID,
		Name:    "dht-node-1-b",
		Spec:    vm.Spec{VMType: vm.TypeDHT, VCPUs: 1, MemBytes: 1 << 30},
		Status:  vm.StatusProvisioning,
	})
	require.NoError(t, err)

	err = m.ProcessHeartbeat(ctx, n.ID, Heartbeat{
		PowerStates: map[string]vm.PowerState{victim.ID: vm.PowerRunning},
	})
	require.NoError(t, err)

	recovered, err := mem.GetVM(ctx, victim.ID)
	require.NoError(t, err)
	assert.Equal(t, vm.StatusRunning, recovered.Status)
	assert.Equal(t, "Recovered from false-positive Deleting", recovered.StatusMessage)

	gone, err := mem.GetVM(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, vm.StatusDeleted, gone.Status)
}

func TestDeleteVMDrivesStoppingDeleting(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n := seedNode(t, mem, "node-1", node.NATNone)
	bus := &fakeBus{}
	m := newTestManager(t, mem, &fakePlacer{}, bus)

	v, err := mem.CreateVM(ctx, vm.VM{
		ID:      "vm-1",
		OwnerID: "0xowner",
		NodeID:  n.ID,
		Name:    "web-a1b2",
		Spec:    vm.Spec{VMType: vm.TypeGeneral, VCPUs: 2, MemBytes: 4 << 30},
		Status:  vm.StatusRunning,
	})
	require.NoError(t, err)

	require.NoError(t, m.DeleteVM(ctx, "0xowner", v.ID))

	got, err := mem.GetVM(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, vm.StatusDeleting, got.Status)
	require.Len(t, bus.byType(command.TypeDeleteVM), 1)
}

func TestDeleteVMOwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", node.NATNone)
	m := newTestManager(t, mem, &fakePlacer{}, &fakeBus{})

	_, err := mem.CreateVM(ctx, vm.VM{ID: "vm-1", OwnerID: "0xowner", NodeID: "node-1", Name: "web", Status: vm.StatusRunning})
	require.NoError(t, err)

	err = m.DeleteVM(ctx, "0xintruder", "vm-1")
	require.Error(t, err)
}

func TestAllocatePortAckWritesMapping(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n := seedNode(t, mem, "node-1", node.NATNone)
	m := newTestManager(t, mem, &fakePlacer{}, &fakeBus{})

	v, err := mem.CreateVM(ctx, vm.VM{
		ID: "vm-1", OwnerID: "0xowner", NodeID: n.ID, Name: "web", Status: vm.StatusRunning,
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(VMOpPayload{VMID: v.ID})
	data, _ := json.Marshal(command.AllocatePortResult{VMPort: 22, PublicPort: 40022, Protocol: "TCP"})
	err = m.handleAllocatePortResult(ctx,
		command.Command{ID: "cmd-1", NodeID: n.ID, Type: command.TypeAllocatePort, Payload: payload},
		command.Acknowledgement{CommandID: "cmd-1", Success: true, Data: data},
	)
	require.NoError(t, err)

	got, err := mem.GetVM(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, got.NetworkConfig.PublicPortMappings, 1)
	assert.Equal(t, vm.PortMapping{VMPort: 22, PublicPort: 40022, Protocol: vm.ProtocolTCP}, got.NetworkConfig.PublicPortMappings[0])

	// Duplicate ack (redundant delivery) must not duplicate the mapping.
	err = m.handleAllocatePortResult(ctx,
		command.Command{ID: "cmd-1", NodeID: n.ID, Type: command.TypeAllocatePort, Payload: payload},
		command.Acknowledgement{CommandID: "cmd-1", Success: true, Data: data},
	)
	require.NoError(t, err)
	got, _ = mem.GetVM(ctx, v.ID)
	assert.Len(t, got.NetworkConfig.PublicPortMappings, 1)
}

func TestSweepMarksSilentNodesOffline(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	m := newTestManager(t, mem, &fakePlacer{}, &fakeBus{})

	fresh := seedNode(t, mem, "node-fresh", node.NATNone)
	stale := seedNode(t, mem, "node-stale", node.NATNone)
	stale.LastHeartbeatAt = time.Now().UTC().Add(-2 * node.HeartbeatDeadline)
	_, err := mem.UpdateNode(ctx, stale)
	require.NoError(t, err)

	m.sweepNodes(ctx, time.Now().UTC())

	got, err := mem.GetNode(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StatusOffline, got.Status)

	got, err = mem.GetNode(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StatusOnline, got.Status)
}

func TestCGNATRouteUsesTunnelIP(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n, err := mem.CreateNode(ctx, node.Node{
		ID:            "node-cg",
		WalletAddress: "0xabc0000000000000000000000000000000000002",
		AgentPort:     5100,
		NATType:       node.NATCGNAT,
		CGNATInfo:     &node.CGNATInfo{AssignedRelayNodeID: "relay-1", TunnelIP: "10.20.3.7"},
		Status:        node.StatusOnline,
	})
	require.NoError(t, err)
	m := newTestManager(t, mem, &fakePlacer{}, &fakeBus{})

	v, err := mem.CreateVM(ctx, vm.VM{
		ID: "vm-3", OwnerID: "0xowner", NodeID: n.ID, Name: "cg-vm", Status: vm.StatusProvisioning,
	})
	require.NoError(t, err)

	require.NoError(t, m.ProcessHeartbeat(ctx, n.ID, Heartbeat{
		PowerStates: map[string]vm.PowerState{v.ID: vm.PowerRunning},
	}))

	r, ok, err := mem.GetRouteByVM(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.20.3.7", r.NodePublicIP)
}
