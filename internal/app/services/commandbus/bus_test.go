package commandbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/storage"
)

func seedNode(t *testing.T, mem *storage.Memory, id, publicIP string, agentPort int) node.Node {
	t.Helper()
	n, err := mem.CreateNode(context.Background(), node.Node{
		ID:            id,
		WalletAddress: "0xabc0000000000000000000000000000000000001",
		PublicIP:      publicIP,
		AgentPort:     agentPort,
		NATType:       node.NATNone,
		Status:        node.StatusOnline,
	})
	require.NoError(t, err)
	return n
}

func TestEnqueueAndPullFIFO(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	// Unreachable node: push fails silently, pull drains the queue.
	seedNode(t, mem, "node-1", "", 0)
	bus := New(mem, mem, nil)

	first, err := bus.Enqueue(ctx, "node-1", command.TypeCreateVM, map[string]string{"vmId": "vm-1"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // CreatedAt ordering
	second, err := bus.Enqueue(ctx, "node-1", command.TypeStartVM, map[string]string{"vmId": "vm-1"})
	require.NoError(t, err)

	pulled, err := bus.PullPending(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, pulled, 2)
	assert.Equal(t, first.ID, pulled[0].ID)
	assert.Equal(t, second.ID, pulled[1].ID)
	for _, c := range pulled {
		assert.Equal(t, command.StateDelivered, c.State)
	}

	// Drained queue pulls empty.
	again, err := bus.PullPending(ctx, "node-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPushDeliversToReachableAgent(t *testing.T) {
	ctx := context.Background()
	received := make(chan command.Command, 4)
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd command.Command
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		received <- cmd
		w.WriteHeader(http.StatusOK)
	}))
	defer agent.Close()

	u, err := url.Parse(agent.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", u.Hostname(), port)
	bus := New(mem, mem, nil)

	queued, err := bus.Enqueue(ctx, "node-1", command.TypeStopVM, map[string]string{"vmId": "vm-1"})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, queued.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("push delivery never reached the agent")
	}

	stored, err := mem.GetCommand(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StateDelivered, stored.State)
}

func TestAcknowledgeDispatchesTypedHandler(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "", 0)
	bus := New(mem, mem, nil)

	var handled []command.Acknowledgement
	bus.RegisterResultHandler(command.TypeAllocatePort, ResultHandlerFunc(func(_ context.Context, _ command.Command, ack command.Acknowledgement) error {
		handled = append(handled, ack)
		return nil
	}))

	cmd, err := bus.Enqueue(ctx, "node-1", command.TypeAllocatePort, map[string]interface{}{"vmId": "vm-1", "vmPort": 22})
	require.NoError(t, err)

	data, _ := json.Marshal(command.AllocatePortResult{VMPort: 22, PublicPort: 40022, Protocol: "tcp"})
	err = bus.Acknowledge(ctx, "node-1", cmd.ID, command.Acknowledgement{Success: true, Data: data})
	require.NoError(t, err)

	require.Len(t, handled, 1)
	assert.JSONEq(t, string(data), string(handled[0].Data))

	stored, err := mem.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StateAcked, stored.State)

	// Duplicate ack from a redundant delivery path is a no-op.
	err = bus.Acknowledge(ctx, "node-1", cmd.ID, command.Acknowledgement{Success: true, Data: data})
	require.NoError(t, err)
	assert.Len(t, handled, 1)
}

func TestAcknowledgeRejectsWrongNode(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "", 0)
	seedNode(t, mem, "node-2", "", 0)
	bus := New(mem, mem, nil)

	cmd, err := bus.Enqueue(ctx, "node-1", command.TypeStopVM, map[string]string{"vmId": "vm-1"})
	require.NoError(t, err)

	err = bus.Acknowledge(ctx, "node-2", cmd.ID, command.Acknowledgement{Success: true})
	require.Error(t, err)
}

func TestFailedAckMarksCommandFailed(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seedNode(t, mem, "node-1", "", 0)
	bus := New(mem, mem, nil)

	cmd, err := bus.Enqueue(ctx, "node-1", command.TypeCreateVM, map[string]string{"vmId": "vm-1"})
	require.NoError(t, err)

	err = bus.Acknowledge(ctx, "node-1", cmd.ID, command.Acknowledgement{Success: false, ErrorMessage: "qemu exploded"})
	require.NoError(t, err)

	stored, err := mem.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StateFailed, stored.State)
}

func TestReachableHost(t *testing.T) {
	assert.Equal(t, "198.51.100.4", ReachableHost(node.Node{NATType: node.NATNone, PublicIP: "198.51.100.4"}))
	assert.Equal(t, "", ReachableHost(node.Node{NATType: node.NATCGNAT, PublicIP: "198.51.100.4"}))
	assert.Equal(t, "10.20.3.7", ReachableHost(node.Node{
		NATType:   node.NATCGNAT,
		PublicIP:  "198.51.100.4",
		CGNATInfo: &node.CGNATInfo{TunnelIP: "10.20.3.7"},
	}))
}
