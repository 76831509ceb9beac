// Package route defines the Route projection consumed by the proxy layer.
package route

// Status is the route's availability for proxying.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Route maps a subdomain to a running VM's reachable address, maintained by
// the lifecycle manager as VMs enter/leave Running.
type Route struct {
	Subdomain    string `json:"subdomain"`
	VMID         string `json:"vmId"`
	NodePublicIP string `json:"nodePublicIp"`
	VMPrivateIP  string `json:"vmPrivateIp"`
	TargetPort   int    `json:"targetPort"`
	Status       Status `json:"status"`
}
