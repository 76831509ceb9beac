package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/storage"
)

func seedTarget(t *testing.T, mem *storage.Memory, agentHost string, agentPort int) (node.Node, vm.VM) {
	t.Helper()
	ctx := context.Background()
	n, err := mem.CreateNode(ctx, node.Node{
		ID:            "node-1",
		WalletAddress: "0xabc0000000000000000000000000000000000001",
		PublicIP:      agentHost,
		AgentPort:     agentPort,
		NATType:       node.NATNone,
		Status:        node.StatusOnline,
	})
	require.NoError(t, err)
	v, err := mem.CreateVM(ctx, vm.VM{
		ID: "vm-1", OwnerID: "0xowner", NodeID: n.ID, Name: "web-a1b2",
		Status:        vm.StatusRunning,
		NetworkConfig: vm.NetworkConfig{PrivateIP: "192.168.100.5"},
	})
	require.NoError(t, err)
	_, err = mem.UpsertRoute(ctx, route.Route{
		Subdomain: "web-a1b2", VMID: v.ID, NodePublicIP: agentHost, VMPrivateIP: "192.168.100.5",
		TargetPort: 80, Status: route.StatusActive,
	})
	require.NoError(t, err)
	return n, v
}

func TestServeSubdomainForwardsToAgent(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("served"))
	}))
	defer agent.Close()

	u, _ := url.Parse(agent.URL)
	port, _ := strconv.Atoi(u.Port())

	mem := storage.NewMemory()
	seedTarget(t, mem, u.Hostname(), port)
	p := New(mem, mem, mem, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/some/path?x=1", nil)
	req.Header.Set(SubdomainHeader, "web-a1b2")
	req.Header.Set("X-DeCloud-Evil", "spoofed")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Custom", "kept")
	rec := httptest.NewRecorder()
	p.ServeSubdomain(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "served", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "/internal/proxy/vm-1/some/path", gotPath)

	// Client-supplied X-DeCloud-* and hop-by-hop headers are stripped; the
	// forwarding trio is added.
	assert.Empty(t, gotHeaders.Get("X-DeCloud-Evil"))
	assert.Empty(t, gotHeaders.Values("Connection"))
	assert.Equal(t, "kept", gotHeaders.Get("X-Custom"))
	assert.NotEmpty(t, gotHeaders.Get("X-Forwarded-For"))
	assert.Equal(t, "http", gotHeaders.Get("X-Forwarded-Proto"))
}

func TestServeSubdomainUnknownIs404(t *testing.T) {
	mem := storage.NewMemory()
	p := New(mem, mem, mem, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SubdomainHeader, "no-such-vm")
	rec := httptest.NewRecorder()
	p.ServeSubdomain(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeSubdomainInactiveRouteIs503(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedTarget(t, mem, "203.0.113.9", 5100)
	r, ok, err := mem.GetRouteBySubdomain(ctx, "web-a1b2")
	require.NoError(t, err)
	require.True(t, ok)
	r.Status = route.StatusInactive
	_, err = mem.UpsertRoute(ctx, r)
	require.NoError(t, err)

	p := New(mem, mem, mem, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SubdomainHeader, "web-a1b2")
	rec := httptest.NewRecorder()
	p.ServeSubdomain(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeSubdomainStoppedVMIs503(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	_, v := seedTarget(t, mem, "203.0.113.9", 5100)
	v.Status = vm.StatusStopping
	_, err := mem.UpdateVM(ctx, v)
	require.NoError(t, err)

	p := New(mem, mem, mem, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SubdomainHeader, "web-a1b2")
	rec := httptest.NewRecorder()
	p.ServeSubdomain(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCGNATWithoutTunnelIs502(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n, _ := seedTarget(t, mem, "203.0.113.9", 5100)
	n.NATType = node.NATCGNAT
	n.CGNATInfo = nil
	_, err := mem.UpdateNode(ctx, n)
	require.NoError(t, err)

	p := New(mem, mem, mem, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SubdomainHeader, "web-a1b2")
	rec := httptest.NewRecorder()
	p.ServeSubdomain(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "relay tunnel"))
}

func TestResolvePrefersTunnelIPForCGNAT(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	n, _ := seedTarget(t, mem, "203.0.113.9", 5100)
	n.NATType = node.NATCGNAT
	n.CGNATInfo = &node.CGNATInfo{AssignedRelayNodeID: "relay-1", TunnelIP: "10.20.3.7"}
	_, err := mem.UpdateNode(ctx, n)
	require.NoError(t, err)

	p := New(mem, mem, mem, nil, nil)
	tgt, status, err := p.resolve(ctx, "web-a1b2")
	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Equal(t, "10.20.3.7", tgt.host)
	assert.Equal(t, 5100, tgt.agentPort)
	assert.Equal(t, "192.168.100.5", tgt.privateIP)
}
