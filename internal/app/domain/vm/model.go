// Package vm defines the VirtualMachine aggregate owned by the lifecycle
// manager.
package vm

import "time"

// Type is the workload class of a VM.
type Type string

const (
	TypeGeneral Type = "general"
	TypeDHT     Type = "dht"
	TypeRelay   Type = "relay"
)

// QualityTier bounds the minimum node benchmark a VM may be scheduled onto
// and the overcommit ratio applied to its resource reservation.
type QualityTier string

const (
	TierGuaranteed QualityTier = "guaranteed"
	TierStandard   QualityTier = "standard"
	TierBalanced   QualityTier = "balanced"
	TierBurstable  QualityTier = "burstable"
)

// MinBenchmark returns the minimum node benchmark score required for this
// quality tier.
func (t QualityTier) MinBenchmark() float64 {
	switch t {
	case TierGuaranteed:
		return 4000
	case TierStandard:
		return 2500
	case TierBalanced:
		return 1500
	case TierBurstable:
		return 1000
	default:
		return 1000
	}
}

// Status is the lifecycle-manager state machine state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusPlacing      Status = "placing"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusDeleting     Status = "deleting"
	StatusDeleted      Status = "deleted"
	StatusError        Status = "error"
)

// PowerState is the power state reported by the node agent, independent of
// the control plane's own lifecycle Status.
type PowerState string

const (
	PowerRunning PowerState = "running"
	PowerStopped PowerState = "stopped"
	PowerPaused  PowerState = "paused"
	PowerUnknown PowerState = "unknown"
)

// Protocol is a port-mapping transport protocol.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Spec is the requested shape of a VM, fixed at creation time.
type Spec struct {
	VMType      Type        `json:"vmType"`
	VCPUs       int         `json:"vcpus"`
	MemBytes    int64       `json:"memBytes"`
	DiskBytes   int64       `json:"diskBytes"`
	QualityTier QualityTier `json:"qualityTier"`
	ImageID     string      `json:"imageId"`
}

// PortMapping records a single forwarded port on the host node.
type PortMapping struct {
	VMPort     int      `json:"vmPort"`
	PublicPort int      `json:"publicPort"`
	Protocol   Protocol `json:"protocol"`
}

// NetworkConfig is the VM's private network identity and exposed ports.
type NetworkConfig struct {
	PrivateIP          string        `json:"privateIp"`
	MACAddress         string        `json:"macAddress"`
	PublicPortMappings []PortMapping `json:"publicPortMappings"`
}

// Billing tracks accrued cost and runtime for a VM. Only the billing ticker
// and settlement ticker mutate it.
type Billing struct {
	HourlyRateCrypto         float64    `json:"hourlyRateCrypto"`
	TotalBilled              float64    `json:"totalBilled"`
	LastBillingAt            *time.Time `json:"lastBillingAt,omitempty"`
	VerifiedRuntimeMinutes   float64    `json:"verifiedRuntimeMinutes"`
	UnverifiedRuntimeMinutes float64    `json:"unverifiedRuntimeMinutes"`
	StoppedReason            string     `json:"stoppedReason,omitempty"`
	ConsecutiveBillingFails  int        `json:"consecutiveBillingFails"`
}

// VM is a single tenant or system virtual machine.
type VM struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"ownerId"`
	NodeID        string        `json:"nodeId,omitempty"`
	Name          string        `json:"name"`
	Spec          Spec          `json:"spec"`
	Status        Status        `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	PowerState    PowerState    `json:"powerState"`
	NetworkConfig NetworkConfig `json:"networkConfig"`
	Billing       Billing       `json:"billing"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// IsSystemOwner reports whether this VM belongs to the control plane itself
// (DHT/relay system VMs), exempting it from billing and from the canonical
// name-suffixing rule.
func (v VM) IsSystemOwner() bool {
	return v.OwnerID == "system"
}

// Billable reports whether this VM participates in the billing ticker: only
// running general-purpose tenant VMs accrue usage.
func (v VM) Billable() bool {
	return v.Status == StatusRunning && v.Spec.VMType == TypeGeneral
}
