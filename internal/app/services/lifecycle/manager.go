// Package lifecycle drives each VM's state machine from request to running
// to deleted: placement via the scheduler, provisioning via the
// command bus, heartbeat-driven transitions, and recovery from
// false-positive Deleting states. All transitions for a VM id are
// serialized by that id's worker.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decloud/controlplane/internal/app/apperr"
	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/events"
	"github.com/decloud/controlplane/internal/app/services/scheduler"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// DeletingTimeout is how long a VM may sit in Deleting without a heartbeat
// or ack before it is finalized to Deleted.
const DeletingTimeout = 10 * time.Minute

// workerCount bounds the keyed reconciler pool.
const workerCount = 8

// maxNameAttempts bounds fresh-suffix retries for canonical name
// uniqueness within an owner.
const maxNameAttempts = 3

// defaultRouteTargetPort is the in-VM port subdomain routes forward to.
const defaultRouteTargetPort = 80

// CommandEnqueuer is the slice of the command bus the manager uses.
type CommandEnqueuer interface {
	Enqueue(ctx context.Context, nodeID string, typ command.Type, payload interface{}) (command.Command, error)
}

// Placer is the slice of the scheduler the manager uses.
type Placer interface {
	Schedule(ctx context.Context, req scheduler.Request) ([]scheduler.Candidate, error)
}

// AttestationSink receives per-VM attestation samples extracted from
// heartbeats and is told to forget deleted VMs.
type AttestationSink interface {
	Record(vmID string, valid bool, now time.Time)
	Forget(vmID string)
}

// CreateVMPayload is the typed CreateVm command payload sent to an agent.
type CreateVMPayload struct {
	VMID      string  `json:"vmId"`
	Name      string  `json:"name"`
	VMType    vm.Type `json:"vmType"`
	VCPUs     int     `json:"vcpus"`
	MemBytes  int64   `json:"memBytes"`
	DiskBytes int64   `json:"diskBytes"`
	ImageID   string  `json:"imageId"`
	SSHKey    string  `json:"sshKey,omitempty"`
}

// VMOpPayload is the typed payload for start/stop/restart/delete commands.
type VMOpPayload struct {
	VMID   string `json:"vmId"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatAttestation is one VM's attestation proof inside a heartbeat.
type HeartbeatAttestation struct {
	Valid     bool   `json:"valid"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Heartbeat is a node agent's periodic report.
type Heartbeat struct {
	PowerStates   map[string]vm.PowerState        `json:"powerStates"`
	ResourceUsage map[string]float64              `json:"resourceUsage,omitempty"`
	Attestation   map[string]HeartbeatAttestation `json:"attestation"`
	Timestamp     time.Time                       `json:"timestamp"`
	RelayPeers    *int                            `json:"relayPeers,omitempty"`
}

var _ system.Service = (*Manager)(nil)

// Manager is the per-VM reconciler pool and state machine driver.
type Manager struct {
	vms    storage.VMStore
	nodes  storage.NodeStore
	routes storage.RouteStore
	placer Placer
	bus    CommandEnqueuer
	attest AttestationSink
	hub    events.Emitter
	log    *logger.Logger

	mu      sync.Mutex
	workers []chan func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager creates a lifecycle manager.
func NewManager(vms storage.VMStore, nodes storage.NodeStore, routes storage.RouteStore, placer Placer, bus CommandEnqueuer, attest AttestationSink, hub events.Emitter, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	return &Manager{
		vms:    vms,
		nodes:  nodes,
		routes: routes,
		placer: placer,
		bus:    bus,
		attest: attest,
		hub:    hub,
		log:    log,
	}
}

// Name returns the service identifier.
func (m *Manager) Name() string { return "lifecycle-manager" }

// Descriptor advertises the manager's architectural placement.
func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "lifecycle-manager",
		Domain:       "compute",
		Layer:        core.LayerEngine,
		Capabilities: []string{"place", "provision", "recover"},
	}
}

// RegisterResultHandlers installs the manager's typed ack handlers on the
// command bus: AllocatePort results are written into the VM's port
// mappings; DeleteVm acks finalize deletion.
func (m *Manager) RegisterResultHandlers(register func(command.Type, func(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error)) {
	register(command.TypeAllocatePort, m.handleAllocatePortResult)
	register(command.TypeDeleteVM, m.handleDeleteResult)
	register(command.TypeCreateVM, m.handleCreateResult)
}

// Start launches the worker pool and the stuck-state sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.workers = make([]chan func(), workerCount)
	for i := range m.workers {
		ch := make(chan func(), 64)
		m.workers[i] = ch
		m.wg.Add(1)
		go func(ch <-chan func()) {
			defer m.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case fn := <-ch:
					fn()
				}
			}
		}(ch)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.sweep(runCtx)
			}
		}
	}()

	m.log.Info("lifecycle manager started")
	return nil
}

// Stop drains the worker pool.
func (m *Manager) Stop(ctx context.Context) error {
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
	return nil
}

// run executes fn on the worker keyed by vmID and waits for completion,
// serializing all transitions per VM id. When the pool is not running
// (tests, shutdown) fn runs inline.
func (m *Manager) run(vmID string, fn func()) {
	m.mu.Lock()
	running := m.running
	var ch chan func()
	if running {
		h := fnv.New32a()
		h.Write([]byte(vmID))
		ch = m.workers[h.Sum32()%uint32(len(m.workers))]
	}
	m.mu.Unlock()

	if !running {
		fn()
		return
	}
	done := make(chan struct{})
	ch <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// CreateRequest is the tenant-facing create call.
type CreateRequest struct {
	OwnerID        string
	Name           string
	Spec           vm.Spec
	Region         string
	SSHKey         string
	MaxHourlyPrice float64
}

// CreateVM validates, names, persists, and asynchronously places a VM.
func (m *Manager) CreateVM(ctx context.Context, req CreateRequest) (vm.VM, error) {
	if req.OwnerID == "" {
		return vm.VM{}, apperr.InvalidInput("MISSING_OWNER", "owner is required")
	}
	if req.Spec.VCPUs <= 0 || req.Spec.MemBytes <= 0 {
		return vm.VM{}, apperr.InvalidInput("INVALID_SPEC", "vcpus and memory must be positive")
	}
	if req.Spec.QualityTier == "" {
		req.Spec.QualityTier = vm.TierStandard
	}
	if req.Spec.VMType == "" {
		req.Spec.VMType = vm.TypeGeneral
	}

	name, err := m.uniqueName(ctx, req.OwnerID, req.Name)
	if err != nil {
		return vm.VM{}, err
	}

	now := time.Now().UTC()
	v := vm.VM{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		Name:       name,
		Spec:       req.Spec,
		Status:     vm.StatusPending,
		PowerState: vm.PowerUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	v, err = m.vms.CreateVM(ctx, v)
	if err != nil {
		return vm.VM{}, err
	}

	m.log.WithField("vm_id", v.ID).
		WithField("owner_id", v.OwnerID).
		WithField("name", v.Name).
		Info("vm created")

	go m.run(v.ID, func() { m.place(context.Background(), v.ID, req.Region, req.MaxHourlyPrice, req.SSHKey) })
	return v, nil
}

// CreateSystemVM places a system-owned VM (DHT, relay) on a specific node.
// The name is used as-is and no billing applies.
func (m *Manager) CreateSystemVM(ctx context.Context, nodeID, name string, spec vm.Spec) (vm.VM, error) {
	now := time.Now().UTC()
	v := vm.VM{
		ID:         uuid.NewString(),
		OwnerID:    "system",
		NodeID:     nodeID,
		Name:       name,
		Spec:       spec,
		Status:     vm.StatusPlacing,
		PowerState: vm.PowerUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	v, err := m.vms.CreateVM(ctx, v)
	if err != nil {
		return vm.VM{}, err
	}
	var provisionErr error
	m.run(v.ID, func() { provisionErr = m.provision(ctx, v.ID, "") })
	if provisionErr != nil {
		return vm.VM{}, provisionErr
	}
	return m.vms.GetVM(ctx, v.ID)
}

// uniqueName derives the canonical name, retrying fresh suffixes when the
// (owner, name) pair collides.
func (m *Manager) uniqueName(ctx context.Context, ownerID, input string) (string, error) {
	existing, err := m.vms.ListVMsByOwner(ctx, ownerID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		if v.Status != vm.StatusDeleted {
			taken[v.Name] = struct{}{}
		}
	}
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := CanonicalName(input)
		if _, ok := taken[name]; !ok {
			return name, nil
		}
	}
	return "", apperr.Conflict("NAME_EXHAUSTED", "could not derive a unique name")
}

// place runs the Pending -> Placing -> Provisioning leg, consuming scored
// candidates in order and falling back on enqueue failure.
func (m *Manager) place(ctx context.Context, vmID, region string, maxPrice float64, sshKey string) {
	v, err := m.vms.GetVM(ctx, vmID)
	if err != nil {
		return
	}
	if v.Status != vm.StatusPending {
		return
	}

	candidates, err := m.placer.Schedule(ctx, scheduler.Request{
		Spec:           v.Spec,
		Region:         region,
		MaxHourlyPrice: maxPrice,
	})
	if err != nil {
		m.fail(ctx, vmID, fmt.Sprintf("placement failed: %v", err))
		return
	}

	for _, c := range candidates {
		v.NodeID = c.Node.ID
		v.Status = vm.StatusPlacing
		v.StatusMessage = ""
		v.Billing.HourlyRateCrypto = c.Rate
		v.UpdatedAt = time.Now().UTC()
		if v, err = m.vms.UpdateVM(ctx, v); err != nil {
			return
		}
		if err := m.provision(ctx, vmID, sshKey); err == nil {
			return
		}
		m.log.WithField("vm_id", vmID).
			WithField("node_id", c.Node.ID).
			Warn("provision enqueue failed, trying next candidate")
		v, err = m.vms.GetVM(ctx, vmID)
		if err != nil {
			return
		}
	}
	m.fail(ctx, vmID, "no candidate node accepted the vm")
}

// provision sends CreateVm to the placed node and advances to Provisioning.
func (m *Manager) provision(ctx context.Context, vmID, sshKey string) error {
	v, err := m.vms.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	_, err = m.bus.Enqueue(ctx, v.NodeID, command.TypeCreateVM, CreateVMPayload{
		VMID:      v.ID,
		Name:      v.Name,
		VMType:    v.Spec.VMType,
		VCPUs:     v.Spec.VCPUs,
		MemBytes:  v.Spec.MemBytes,
		DiskBytes: v.Spec.DiskBytes,
		ImageID:   v.Spec.ImageID,
		SSHKey:    sshKey,
	})
	if err != nil {
		return err
	}
	v.Status = vm.StatusProvisioning
	v.UpdatedAt = time.Now().UTC()
	_, err = m.vms.UpdateVM(ctx, v)
	return err
}

func (m *Manager) fail(ctx context.Context, vmID, message string) {
	v, err := m.vms.GetVM(ctx, vmID)
	if err != nil {
		return
	}
	v.Status = vm.StatusError
	v.StatusMessage = message
	v.UpdatedAt = time.Now().UTC()
	if _, err := m.vms.UpdateVM(ctx, v); err != nil {
		m.log.WithError(err).WithField("vm_id", vmID).Error("persist error state failed")
	}
	m.emit(events.Event{Type: events.TypeVMStatusChanged, OwnerID: v.OwnerID, VMID: vmID, Reason: message})
	m.log.WithField("vm_id", vmID).WithField("message", message).Warn("vm entered error state")
}

// GetVM returns a VM after an ownership check.
func (m *Manager) GetVM(ctx context.Context, ownerID, vmID string) (vm.VM, error) {
	v, err := m.vms.GetVM(ctx, vmID)
	if err != nil {
		return vm.VM{}, apperr.NotFound("VM_NOT_FOUND", "vm not found")
	}
	if v.OwnerID != ownerID {
		return vm.VM{}, apperr.NotFound("VM_NOT_FOUND", "vm not found")
	}
	return v, nil
}

// ListVMs returns all VMs for an owner.
func (m *Manager) ListVMs(ctx context.Context, ownerID string) ([]vm.VM, error) {
	return m.vms.ListVMsByOwner(ctx, ownerID)
}

// StartVM asks the agent to power on a stopped VM.
func (m *Manager) StartVM(ctx context.Context, ownerID, vmID string) error {
	return m.powerOp(ctx, ownerID, vmID, command.TypeStartVM, "")
}

// StopVM asks the agent to power off a running VM.
func (m *Manager) StopVM(ctx context.Context, ownerID, vmID string) error {
	return m.powerOp(ctx, ownerID, vmID, command.TypeStopVM, "")
}

// RestartVM asks the agent to reboot a VM.
func (m *Manager) RestartVM(ctx context.Context, ownerID, vmID string) error {
	return m.powerOp(ctx, ownerID, vmID, command.TypeRestartVM, "")
}

// StopForNonpayment force-stops a VM with the out-of-funds reason; called
// by the billing ticker after the grace window lapses.
func (m *Manager) StopForNonpayment(ctx context.Context, vmID string) error {
	v, err := m.vms.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	var opErr error
	m.run(vmID, func() {
		if _, err := m.bus.Enqueue(ctx, v.NodeID, command.TypeStopVM, VMOpPayload{VMID: vmID, Reason: "out-of-funds"}); err != nil {
			opErr = err
			return
		}
		v.Billing.StoppedReason = "out-of-funds"
		v.UpdatedAt = time.Now().UTC()
		_, opErr = m.vms.UpdateVM(ctx, v)
	})
	if opErr == nil {
		m.emit(events.Event{Type: events.TypeVMStopped, OwnerID: v.OwnerID, VMID: vmID, Reason: "out-of-funds"})
	}
	return opErr
}

func (m *Manager) powerOp(ctx context.Context, ownerID, vmID string, typ command.Type, reason string) error {
	v, err := m.GetVM(ctx, ownerID, vmID)
	if err != nil {
		return err
	}
	if v.NodeID == "" {
		return apperr.Conflict("VM_NOT_PLACED", "vm has no node yet")
	}
	var opErr error
	m.run(vmID, func() {
		_, opErr = m.bus.Enqueue(ctx, v.NodeID, typ, VMOpPayload{VMID: vmID, Reason: reason})
	})
	return opErr
}

// DeleteVM drives Stopping -> Deleting via a DeleteVm command.
func (m *Manager) DeleteVM(ctx context.Context, ownerID, vmID string) error {
	v, err := m.GetVM(ctx, ownerID, vmID)
	if err != nil {
		return err
	}
	var opErr error
	m.run(vmID, func() {
		if v.Status == vm.StatusDeleted || v.Status == vm.StatusDeleting {
			return
		}
		if v.NodeID == "" {
			// Never placed; nothing to tear down on any agent.
			m.finalizeDelete(ctx, &v)
			return
		}
		v.Status = vm.StatusStopping
		v.UpdatedAt = time.Now().UTC()
		if v, err = m.vms.UpdateVM(ctx, v); err != nil {
			opErr = err
			return
		}
		if _, err := m.bus.Enqueue(ctx, v.NodeID, command.TypeDeleteVM, VMOpPayload{VMID: vmID}); err != nil {
			opErr = err
			return
		}
		v.Status = vm.StatusDeleting
		v.UpdatedAt = time.Now().UTC()
		_, opErr = m.vms.UpdateVM(ctx, v)
		m.deactivateRoute(ctx, vmID)
	})
	return opErr
}

// ProcessHeartbeat applies a node heartbeat: refreshes node liveness,
// records attestation samples, and drives per-VM transitions off the
// reported power states.
func (m *Manager) ProcessHeartbeat(ctx context.Context, nodeID string, beat Heartbeat) error {
	n, err := m.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return apperr.NotFound("NODE_NOT_FOUND", "unknown node")
	}

	now := time.Now().UTC()
	wasOffline := n.Status == node.StatusOffline
	n.LastHeartbeatAt = now
	if n.Status != node.StatusDraining {
		n.Status = node.StatusOnline
	}
	if n.RelayInfo != nil && beat.RelayPeers != nil {
		n.RelayInfo.ActivePeers = *beat.RelayPeers
	}
	n.UpdatedAt = now
	if _, err := m.nodes.UpdateNode(ctx, n); err != nil {
		return err
	}
	if wasOffline {
		m.emit(events.Event{Type: events.TypeNodeOnline, OwnerID: "system", NodeID: nodeID})
	}

	if m.attest != nil {
		for vmID, att := range beat.Attestation {
			m.attest.Record(vmID, att.Valid, now)
		}
	}

	for vmID, power := range beat.PowerStates {
		id, p := vmID, power
		m.run(id, func() { m.applyPowerState(ctx, n, id, p, now) })
	}
	return nil
}

// applyPowerState drives one VM's transition from a reported power state.
func (m *Manager) applyPowerState(ctx context.Context, n node.Node, vmID string, power vm.PowerState, now time.Time) {
	v, err := m.vms.GetVM(ctx, vmID)
	if err != nil {
		return
	}
	if v.NodeID != n.ID {
		return
	}

	prev := v.PowerState
	v.PowerState = power

	switch {
	case v.Status == vm.StatusProvisioning && power == vm.PowerRunning:
		v.Status = vm.StatusRunning
		started := now
		v.StartedAt = &started
		v.UpdatedAt = now
		if v, err = m.vms.UpdateVM(ctx, v); err != nil {
			return
		}
		m.activateRoute(ctx, n, v)
		m.emit(events.Event{Type: events.TypeVMStarted, OwnerID: v.OwnerID, VMID: v.ID, NodeID: n.ID})
		m.log.WithField("vm_id", v.ID).WithField("node_id", n.ID).Info("vm running")

	case v.Status == vm.StatusDeleting && power == vm.PowerRunning:
		m.recoverFalseDeleting(ctx, n, &v, now)

	case v.Status == vm.StatusRunning && power != vm.PowerRunning:
		// Power-level stop (tenant op or agent-side): lifecycle status stays
		// Running until a delete; the route goes inactive and billing stops
		// accruing because the agent's attestation no longer validates.
		v.UpdatedAt = now
		if _, err := m.vms.UpdateVM(ctx, v); err != nil {
			return
		}
		if prev == vm.PowerRunning {
			m.deactivateRoute(ctx, v.ID)
			m.emit(events.Event{Type: events.TypeVMStopped, OwnerID: v.OwnerID, VMID: v.ID})
		}

	case v.Status == vm.StatusRunning && power == vm.PowerRunning && prev != vm.PowerRunning:
		// Power restored after a stop: reactivate the route.
		v.UpdatedAt = now
		if v, err = m.vms.UpdateVM(ctx, v); err != nil {
			return
		}
		m.activateRoute(ctx, n, v)
		m.emit(events.Event{Type: events.TypeVMStarted, OwnerID: v.OwnerID, VMID: v.ID, NodeID: n.ID})

	default:
		if prev != power {
			v.UpdatedAt = now
			m.vms.UpdateVM(ctx, v)
		}
	}
}

// recoverFalseDeleting restores a Deleting VM whose agent still reports it
// running, and forces any ghost duplicate with the same (node, vmType) to
// Deleted.
func (m *Manager) recoverFalseDeleting(ctx context.Context, n node.Node, v *vm.VM, now time.Time) {
	v.Status = vm.StatusRunning
	v.StatusMessage = "Recovered from false-positive Deleting"
	v.UpdatedAt = now
	updated, err := m.vms.UpdateVM(ctx, *v)
	if err != nil {
		return
	}
	*v = updated
	m.activateRoute(ctx, n, *v)
	m.emit(events.Event{Type: events.TypeVMStatusChanged, OwnerID: v.OwnerID, VMID: v.ID, Reason: v.StatusMessage})
	m.log.WithField("vm_id", v.ID).Warn("recovered vm from false-positive deleting")

	if v.Spec.VMType == vm.TypeGeneral {
		return
	}
	// System VM roles are singletons per node; any duplicate spawned while
	// this one was presumed dead is a ghost.
	for _, status := range []vm.Status{vm.StatusPending, vm.StatusPlacing, vm.StatusProvisioning, vm.StatusRunning} {
		peers, err := m.vms.ListVMsByNode(ctx, n.ID, status)
		if err != nil {
			continue
		}
		for _, ghost := range peers {
			if ghost.ID == v.ID || ghost.Spec.VMType != v.Spec.VMType {
				continue
			}
			ghost.Status = vm.StatusDeleted
			ghost.StatusMessage = "ghost duplicate removed after false-positive recovery"
			ghost.UpdatedAt = now
			if _, err := m.vms.UpdateVM(ctx, ghost); err != nil {
				m.log.WithError(err).WithField("vm_id", ghost.ID).Warn("force-delete ghost vm failed")
				continue
			}
			m.routes.DeleteRouteByVM(ctx, ghost.ID)
			m.log.WithField("vm_id", ghost.ID).WithField("vm_type", string(ghost.Spec.VMType)).Info("ghost vm forced to deleted")
		}
	}
}

// sweep marks silent nodes Offline, finalizes Deleting VMs whose node has
// been silent past the timeout, and re-kicks Pending VMs that never got
// placed.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()

	m.sweepNodes(ctx, now)

	deleting, err := m.vms.ListVMsByStatus(ctx, vm.StatusDeleting)
	if err == nil {
		for _, v := range deleting {
			v := v
			m.run(v.ID, func() {
				cur, err := m.vms.GetVM(ctx, v.ID)
				if err != nil || cur.Status != vm.StatusDeleting {
					return
				}
				n, err := m.nodes.GetNode(ctx, cur.NodeID)
				nodeSilent := err != nil || n.LastHeartbeatAt.Before(now.Add(-DeletingTimeout))
				if nodeSilent || now.Sub(cur.UpdatedAt) >= DeletingTimeout {
					m.finalizeDelete(ctx, &cur)
				}
			})
		}
	}

	pending, err := m.vms.ListVMsByStatus(ctx, vm.StatusPending)
	if err == nil {
		for _, v := range pending {
			if now.Sub(v.CreatedAt) < time.Minute {
				continue
			}
			v := v
			m.run(v.ID, func() { m.place(ctx, v.ID, "", 0, "") })
		}
	}
}

// sweepNodes flips Online nodes whose heartbeat lapsed past the deadline to
// Offline. VM lifecycle states are untouched: a node bouncing back within
// the deadline must not disturb its VMs.
func (m *Manager) sweepNodes(ctx context.Context, now time.Time) {
	nodes, err := m.nodes.ListNodes(ctx)
	if err != nil {
		return
	}
	for _, n := range nodes {
		if n.Status != node.StatusOnline || !n.IsHeartbeatStale(now) {
			continue
		}
		n.Status = node.StatusOffline
		n.UpdatedAt = now
		if _, err := m.nodes.UpdateNode(ctx, n); err != nil {
			m.log.WithError(err).WithField("node_id", n.ID).Warn("mark node offline failed")
			continue
		}
		m.emit(events.Event{Type: events.TypeNodeOffline, OwnerID: "system", NodeID: n.ID})
		m.log.WithField("node_id", n.ID).Warn("node heartbeat lapsed, marked offline")
	}
}

func (m *Manager) finalizeDelete(ctx context.Context, v *vm.VM) {
	v.Status = vm.StatusDeleted
	v.UpdatedAt = time.Now().UTC()
	if _, err := m.vms.UpdateVM(ctx, *v); err != nil {
		m.log.WithError(err).WithField("vm_id", v.ID).Error("finalize delete failed")
		return
	}
	m.routes.DeleteRouteByVM(ctx, v.ID)
	if m.attest != nil {
		m.attest.Forget(v.ID)
	}
	m.emit(events.Event{Type: events.TypeVMDeleted, OwnerID: v.OwnerID, VMID: v.ID})
	m.log.WithField("vm_id", v.ID).Info("vm deleted")
}

// activateRoute registers/refreshes the subdomain route for a running VM.
// The node host follows the CGNAT rule: tunnel IP when assigned, public IP
// otherwise.
func (m *Manager) activateRoute(ctx context.Context, n node.Node, v vm.VM) {
	host := n.PublicIP
	if n.NATType == node.NATCGNAT && n.CGNATInfo != nil && n.CGNATInfo.TunnelIP != "" {
		host = n.CGNATInfo.TunnelIP
	}
	r := route.Route{
		Subdomain:    v.Name,
		VMID:         v.ID,
		NodePublicIP: host,
		VMPrivateIP:  v.NetworkConfig.PrivateIP,
		TargetPort:   defaultRouteTargetPort,
		Status:       route.StatusActive,
	}
	if _, err := m.routes.UpsertRoute(ctx, r); err != nil {
		m.log.WithError(err).WithField("vm_id", v.ID).Warn("route registration failed")
	}
}

func (m *Manager) deactivateRoute(ctx context.Context, vmID string) {
	r, ok, err := m.routes.GetRouteByVM(ctx, vmID)
	if err != nil || !ok {
		return
	}
	r.Status = route.StatusInactive
	if _, err := m.routes.UpsertRoute(ctx, r); err != nil {
		m.log.WithError(err).WithField("vm_id", vmID).Warn("route deactivation failed")
	}
}

// handleAllocatePortResult writes an AllocatePort ack payload into the VM's
// public port mappings.
func (m *Manager) handleAllocatePortResult(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error {
	if !ack.Success || len(ack.Data) == 0 {
		return nil
	}
	var result command.AllocatePortResult
	if err := json.Unmarshal(ack.Data, &result); err != nil {
		return apperr.InvalidInput("BAD_ACK_PAYLOAD", "malformed AllocatePort result")
	}
	var payload VMOpPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return apperr.InvalidInput("BAD_COMMAND_PAYLOAD", "malformed AllocatePort command")
	}

	var opErr error
	m.run(payload.VMID, func() {
		v, err := m.vms.GetVM(ctx, payload.VMID)
		if err != nil {
			opErr = err
			return
		}
		mapping := vm.PortMapping{
			VMPort:     result.VMPort,
			PublicPort: result.PublicPort,
			Protocol:   vm.Protocol(strings.ToLower(result.Protocol)),
		}
		for _, existing := range v.NetworkConfig.PublicPortMappings {
			if existing == mapping {
				return
			}
		}
		v.NetworkConfig.PublicPortMappings = append(v.NetworkConfig.PublicPortMappings, mapping)
		v.UpdatedAt = time.Now().UTC()
		_, opErr = m.vms.UpdateVM(ctx, v)
	})
	return opErr
}

// handleDeleteResult finalizes deletion when the agent acks DeleteVm.
func (m *Manager) handleDeleteResult(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error {
	var payload VMOpPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return apperr.InvalidInput("BAD_COMMAND_PAYLOAD", "malformed DeleteVm command")
	}
	m.run(payload.VMID, func() {
		v, err := m.vms.GetVM(ctx, payload.VMID)
		if err != nil {
			return
		}
		if !ack.Success {
			v.StatusMessage = fmt.Sprintf("agent delete failed: %s", ack.ErrorMessage)
			v.UpdatedAt = time.Now().UTC()
			m.vms.UpdateVM(ctx, v)
			return
		}
		if v.Status == vm.StatusDeleting || v.Status == vm.StatusStopping {
			m.finalizeDelete(ctx, &v)
		}
	})
	return nil
}

// handleCreateResult records agent-side provisioning failures by moving the
// VM to Error with the agent's message; the sweep re-places only Pending
// VMs, so an Error VM is not retried elsewhere.
func (m *Manager) handleCreateResult(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error {
	var payload CreateVMPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return apperr.InvalidInput("BAD_COMMAND_PAYLOAD", "malformed CreateVm command")
	}
	if ack.Success {
		// Network details may arrive in the ack before the first heartbeat.
		if len(ack.Data) > 0 {
			var net vm.NetworkConfig
			if err := json.Unmarshal(ack.Data, &net); err == nil && net.PrivateIP != "" {
				m.run(payload.VMID, func() {
					v, err := m.vms.GetVM(ctx, payload.VMID)
					if err != nil {
						return
					}
					v.NetworkConfig.PrivateIP = net.PrivateIP
					if net.MACAddress != "" {
						v.NetworkConfig.MACAddress = net.MACAddress
					}
					v.UpdatedAt = time.Now().UTC()
					m.vms.UpdateVM(ctx, v)
				})
			}
		}
		return nil
	}
	m.run(payload.VMID, func() {
		v, err := m.vms.GetVM(ctx, payload.VMID)
		if err != nil || v.Status != vm.StatusProvisioning {
			return
		}
		m.fail(ctx, payload.VMID, fmt.Sprintf("agent provisioning failed: %s", ack.ErrorMessage))
	})
	return nil
}

func (m *Manager) emit(ev events.Event) {
	if m.hub != nil {
		m.hub.Emit(ev)
	}
}
