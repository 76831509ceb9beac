package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/events"
	"github.com/decloud/controlplane/internal/app/proxy"
	"github.com/decloud/controlplane/internal/app/services/balance"
	"github.com/decloud/controlplane/internal/app/services/commandbus"
	"github.com/decloud/controlplane/internal/app/services/lifecycle"
	"github.com/decloud/controlplane/internal/app/services/obligations"
	"github.com/decloud/controlplane/internal/app/services/scheduler"
	"github.com/decloud/controlplane/internal/app/storage"
)

type testEnv struct {
	handler http.Handler
	mem     *storage.Memory
	bus     *commandbus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := storage.NewMemory()
	bus := commandbus.New(mem, mem, nil)
	sched := scheduler.New(mem, mem, nil, nil)
	hub := events.NewHub()
	lc := lifecycle.NewManager(mem, mem, mem, sched, bus, nil, hub, nil)
	bal := balance.New(nil, mem, mem, mem, 20)
	reconciler := obligations.NewReconciler(mem, nil)
	bootstrap := obligations.NewHandlers(mem, mem, lc, nil, nil)
	px := proxy.New(mem, mem, mem, nil, nil)
	promos := NewPromoRegistry([]PromoCode{{Code: "WELCOME5", Amount: 5}}, mem)

	handler := NewHandler(lc, bal, bus, mem, reconciler, bootstrap, px, hub, promos, nil, nil)
	auth := NewAuthenticator(testSecret, map[string]string{"key-123": "0xabc0000000000000000000000000000000000009"}, nil)
	return &testEnv{handler: auth.Middleware(handler), mem: mem, bus: bus}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNodeRegisterDerivesIdentity(t *testing.T) {
	env := newTestEnv(t)
	wallet := "0xabc0000000000000000000000000000000000001"
	expected := node.DeriveID("machine-1", wallet)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/nodes/register", map[string]interface{}{
		"machineId":     "machine-1",
		"walletAddress": wallet,
		"natType":       "none",
		"agentPort":     5100,
		"publicIp":      "203.0.113.5",
		"hardware":      map[string]interface{}{"cpuCores": 16, "memBytes": 1 << 34, "diskBytes": 1 << 40, "benchmarkScore": 3000},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, expected, resp["nodeId"])

	// Registration bootstraps the run-dht duty.
	o, ok, err := env.mem.FindObligation(context.Background(), "node.run-dht", expected)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, o.Terminal())
}

func TestNodeRegisterRejectsZeroWallet(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/nodes/register", map[string]interface{}{
		"machineId":     "machine-1",
		"walletAddress": node.ZeroWallet,
		"natType":       "none",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeRegisterRejectsMismatchedID(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/nodes/register", map[string]interface{}{
		"nodeId":        "spoofed-id",
		"machineId":     "machine-1",
		"walletAddress": "0xabc0000000000000000000000000000000000001",
		"natType":       "none",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandPullAndAcknowledgeFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.mem.CreateNode(ctx, node.Node{
		ID: "node-1", WalletAddress: "0xabc0000000000000000000000000000000000001",
		NATType: node.NATNone, Status: node.StatusOnline,
	})
	require.NoError(t, err)

	queued, err := env.bus.Enqueue(ctx, n.ID, command.TypeStopVM, map[string]string{"vmId": "vm-1"})
	require.NoError(t, err)

	rec := doJSON(t, env.handler, http.MethodGet, "/api/nodes/"+n.ID+"/commands/pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cmds []command.Command
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, queued.ID, cmds[0].ID)

	ackPath := fmt.Sprintf("/api/nodes/%s/commands/%s/acknowledge", n.ID, queued.ID)
	rec = doJSON(t, env.handler, http.MethodPost, ackPath, map[string]interface{}{"success": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.mem.GetCommand(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StateAcked, stored.State)
}

func TestBalanceEndpointShape(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodGet, "/api/balance", nil, map[string]string{"X-API-Key": "key-123"})
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	for _, field := range []string{"confirmed", "pendingDeposits", "unpaidUsage", "availableBalance", "totalBalance", "pendingDepositsList"} {
		assert.Contains(t, snap, field)
	}
}

func TestPromoRedeemIdempotence(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-API-Key": "key-123"}

	rec := doJSON(t, env.handler, http.MethodPost, "/api/promo/redeem", map[string]string{"code": "welcome5"}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, env.handler, http.MethodPost, "/api/promo/redeem", map[string]string{"code": "WELCOME5"}, headers)
	assert.Equal(t, http.StatusConflict, rec.Code, "second redemption grants nothing")

	grants, err := env.mem.ListCreditGrantsByUser(context.Background(), "0xabc0000000000000000000000000000000000009")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestGetVMRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.mem.CreateVM(ctx, vm.VM{ID: "vm-1", OwnerID: "0xsomeoneelse", Name: "web", Status: vm.StatusRunning})
	require.NoError(t, err)

	rec := doJSON(t, env.handler, http.MethodGet, "/api/vms/vm-1", nil, map[string]string{"X-API-Key": "key-123"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
