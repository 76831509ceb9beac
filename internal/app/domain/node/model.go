// Package node defines the Node aggregate: an operator-owned machine in the
// fleet that hosts tenant and system VMs.
package node

import "time"

// NATType classifies how a node can be reached from the public internet.
type NATType string

const (
	NATNone      NATType = "none"
	NATFullCone  NATType = "full-cone"
	NATSymmetric NATType = "symmetric"
	NATCGNAT     NATType = "cgnat"
)

// Status is the node's coarse availability state.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDraining Status = "draining"
)

// ObligationRole is the kind of system-VM duty a node may owe the control
// plane.
type ObligationRole string

const (
	RoleDHT   ObligationRole = "dht"
	RoleRelay ObligationRole = "relay"
)

// ObligationStatus tracks materialization progress of a single duty entry
// recorded on the node (not to be confused with the standalone Obligation
// aggregate driven by the reconciler; this is the denormalized view carried
// on Node for quick lookup).
type ObligationStatus string

const (
	ObligationPending   ObligationStatus = "pending"
	ObligationInFlight  ObligationStatus = "in-flight"
	ObligationCompleted ObligationStatus = "completed"
	ObligationFailed    ObligationStatus = "failed"
)

// SystemVMObligation records a single role a node owes the control plane.
type SystemVMObligation struct {
	Role         ObligationRole   `json:"role"`
	VMID         string           `json:"vmId,omitempty"`
	Status       ObligationStatus `json:"status"`
	FailureCount int              `json:"failureCount"`
	LastError    string           `json:"lastError,omitempty"`
}

// CGNATInfo records a CGNAT node's assigned relay and tunnel address.
type CGNATInfo struct {
	AssignedRelayNodeID string `json:"assignedRelayNodeId,omitempty"`
	TunnelIP            string `json:"tunnelIp,omitempty"`
}

// RelayInfo records a relay VM's capacity/utilization, carried on the node
// that hosts the relay VM.
type RelayInfo struct {
	Status      string `json:"status"`
	Capacity    int    `json:"capacity"`
	ActivePeers int    `json:"activePeers"`
}

// Hardware captures the node's advertised capacity and benchmark score.
type Hardware struct {
	CPUCores       int     `json:"cpuCores"`
	MemBytes       int64   `json:"memBytes"`
	DiskBytes      int64   `json:"diskBytes"`
	BenchmarkScore float64 `json:"benchmarkScore"`
}

// Pricing captures an operator's advertised unit prices, in crypto terms.
type Pricing struct {
	CPUPerHour      float64 `json:"cpuPerHour"`
	MemPerGBPerHour float64 `json:"memPerGbPerHour"`
}

// Node is the control plane's view of a single fleet machine.
type Node struct {
	ID                  string               `json:"id"`
	WalletAddress       string               `json:"walletAddress"`
	PublicIP            string               `json:"publicIp"`
	AgentPort           int                  `json:"agentPort"`
	NATType             NATType              `json:"natType"`
	CGNATInfo           *CGNATInfo           `json:"cgnatInfo,omitempty"`
	RelayInfo           *RelayInfo           `json:"relayInfo,omitempty"`
	Hardware            Hardware             `json:"hardware"`
	Pricing             *Pricing             `json:"pricing,omitempty"`
	SystemVMObligations []SystemVMObligation `json:"systemVmObligations"`
	LastHeartbeatAt     time.Time            `json:"lastHeartbeatAt"`
	Status              Status               `json:"status"`
	Region              string               `json:"region,omitempty"`
	Features            []string             `json:"features,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

// MaxPerfMultiplier caps the performance bonus a single node can contribute
// to scheduling scores, regardless of how far its benchmark exceeds the
// baseline.
const MaxPerfMultiplier = 3.0

// BaselineBenchmark is the reference benchmark score defining a 1.0x
// performance multiplier.
const BaselineBenchmark = 2000.0

// PerfMultiplier computes the node's scheduling performance multiplier:
// min(MaxPerfMultiplier, benchmarkScore/baselineBenchmark).
func (n Node) PerfMultiplier() float64 {
	if BaselineBenchmark <= 0 {
		return 1
	}
	mult := n.Hardware.BenchmarkScore / BaselineBenchmark
	if mult > MaxPerfMultiplier {
		return MaxPerfMultiplier
	}
	if mult < 0 {
		return 0
	}
	return mult
}

// HeartbeatDeadline is the maximum time an Online node may go without a
// heartbeat before it is considered Offline.
const HeartbeatDeadline = 90 * time.Second

// IsHeartbeatStale reports whether the node's last heartbeat is older than
// HeartbeatDeadline as of now.
func (n Node) IsHeartbeatStale(now time.Time) bool {
	if n.LastHeartbeatAt.IsZero() {
		return true
	}
	return now.Sub(n.LastHeartbeatAt) > HeartbeatDeadline
}

// FindObligation returns the obligation entry for the given role, if any.
func (n Node) FindObligation(role ObligationRole) (SystemVMObligation, bool) {
	for _, o := range n.SystemVMObligations {
		if o.Role == role {
			return o, true
		}
	}
	return SystemVMObligation{}, false
}
