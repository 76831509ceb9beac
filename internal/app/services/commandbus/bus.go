// Package commandbus implements the hybrid push/pull command channel between
// the orchestrator and node agents. Commands are queued per node,
// pushed to reachable agents with a short timeout, served to long-polling
// agents otherwise, and matched to acknowledgments carrying typed result
// payloads.
package commandbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decloud/controlplane/internal/app/apperr"
	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/metrics"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// PushTimeout bounds a single push delivery attempt.
const PushTimeout = 5 * time.Second

// DefaultCommandTTL is how long an undelivered command stays eligible before
// the expiry sweep fails it.
const DefaultCommandTTL = 10 * time.Minute

// expirySweepInterval is the cadence of the expired-command sweep.
const expirySweepInterval = time.Minute

// ResultHandler consumes the typed ack payload for one command kind. The
// lifecycle manager registers a handler for AllocatePort that writes the
// returned mapping into the VM; other kinds register as needed.
type ResultHandler interface {
	HandleResult(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error
}

// ResultHandlerFunc adapts a function to the ResultHandler interface.
type ResultHandlerFunc func(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error

func (f ResultHandlerFunc) HandleResult(ctx context.Context, cmd command.Command, ack command.Acknowledgement) error {
	if f == nil {
		return nil
	}
	return f(ctx, cmd, ack)
}

var _ system.Service = (*Bus)(nil)

// Bus is the per-node command queue and delivery fabric.
type Bus struct {
	commands storage.CommandStore
	nodes    storage.NodeStore
	client   *http.Client
	log      *logger.Logger
	ttl      time.Duration

	mu       sync.Mutex
	handlers map[command.Type]ResultHandler
	nodeMu   map[string]*sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// New creates a command bus over the given stores. The bus owns its HTTP
// client.
func New(commands storage.CommandStore, nodes storage.NodeStore, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("commandbus")
	}
	return &Bus{
		commands: commands,
		nodes:    nodes,
		client:   &http.Client{Timeout: PushTimeout},
		log:      log,
		ttl:      DefaultCommandTTL,
		handlers: make(map[command.Type]ResultHandler),
		nodeMu:   make(map[string]*sync.Mutex),
	}
}

// RegisterResultHandler installs the typed ack handler for a command kind.
// Later registrations replace earlier ones.
func (b *Bus) RegisterResultHandler(typ command.Type, h ResultHandler) {
	b.mu.Lock()
	b.handlers[typ] = h
	b.mu.Unlock()
}

// Name returns the service identifier.
func (b *Bus) Name() string { return "command-bus" }

// Descriptor advertises the bus's architectural placement.
func (b *Bus) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "command-bus",
		Domain:       "fleet",
		Layer:        core.LayerEngine,
		Capabilities: []string{"push", "pull", "acknowledge"},
	}
}

// Start launches the expired-command sweep loop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(expirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				b.sweepExpired(runCtx)
			}
		}
	}()

	b.log.Info("command bus started")
	return nil
}

// Stop halts the sweep loop.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	cancel := b.cancel
	b.running = false
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Enqueue queues a command for a node and attempts immediate push delivery
// if the node is reachable. Returns the queued command; the push outcome
// does not affect the caller (the pull path or a later push will deliver).
func (b *Bus) Enqueue(ctx context.Context, nodeID string, typ command.Type, payload interface{}) (command.Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return command.Command{}, apperr.Internal("COMMAND_ENCODE_FAILED", "encode command payload", err)
	}

	now := time.Now().UTC()
	cmd := command.Command{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Type:      typ,
		Payload:   raw,
		State:     command.StateQueued,
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}
	cmd, err = b.commands.CreateCommand(ctx, cmd)
	if err != nil {
		return command.Command{}, err
	}

	b.log.WithField("command_id", cmd.ID).
		WithField("node_id", nodeID).
		WithField("type", string(typ)).
		Info("command queued")

	b.tryPush(ctx, nodeID)
	return cmd, nil
}

// tryPush delivers all queued commands for a node over the push path,
// FIFO, serialized per node. Failure is tolerated; the pull path remains.
func (b *Bus) tryPush(ctx context.Context, nodeID string) {
	n, err := b.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	host := ReachableHost(n)
	if host == "" {
		return
	}

	lock := b.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := b.commands.ListPendingCommandsByNode(ctx, nodeID)
	if err != nil {
		b.log.WithError(err).WithField("node_id", nodeID).Warn("list pending commands failed")
		return
	}
	sortFIFO(pending)

	url := fmt.Sprintf("http://%s:%d/commands/receive", host, n.AgentPort)
	for _, cmd := range pending {
		if cmd.State != command.StateQueued && cmd.State != command.StatePushAttempted {
			continue
		}
		if cmd.Expired(time.Now().UTC()) {
			continue
		}
		if err := b.pushOne(ctx, url, cmd); err != nil {
			cmd.State = command.StatePushAttempted
			if _, uerr := b.commands.UpdateCommand(ctx, cmd); uerr != nil {
				b.log.WithError(uerr).WithField("command_id", cmd.ID).Warn("mark push-attempted failed")
			}
			metrics.RecordCommandDelivery("push", false)
			// Preserve FIFO on the push path: stop at the first failure
			// rather than delivering later commands out of order.
			return
		}
		cmd.State = command.StateDelivered
		if _, uerr := b.commands.UpdateCommand(ctx, cmd); uerr != nil {
			b.log.WithError(uerr).WithField("command_id", cmd.ID).Warn("mark delivered failed")
		}
		metrics.RecordCommandDelivery("push", true)
	}
}

func (b *Bus) pushOne(ctx context.Context, url string, cmd command.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, PushTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	return nil
}

// PullPending returns all queued commands for a node in FIFO order, marking
// them Delivered. This is the agent's long-poll path; duplicate delivery
// across paths is acceptable (agents dedup by command id).
func (b *Bus) PullPending(ctx context.Context, nodeID string) ([]command.Command, error) {
	lock := b.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := b.commands.ListPendingCommandsByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	sortFIFO(pending)

	now := time.Now().UTC()
	out := make([]command.Command, 0, len(pending))
	for _, cmd := range pending {
		if cmd.Expired(now) {
			continue
		}
		cmd.State = command.StateDelivered
		if _, err := b.commands.UpdateCommand(ctx, cmd); err != nil {
			b.log.WithError(err).WithField("command_id", cmd.ID).Warn("mark delivered failed")
			continue
		}
		metrics.RecordCommandDelivery("pull", true)
		out = append(out, cmd)
	}
	return out, nil
}

// Acknowledge matches an agent's ack to its originating command, dispatches
// the typed result handler, and finalizes the command's state.
func (b *Bus) Acknowledge(ctx context.Context, nodeID, commandID string, ack command.Acknowledgement) error {
	cmd, err := b.commands.GetCommand(ctx, commandID)
	if err != nil {
		return apperr.NotFound("COMMAND_NOT_FOUND", "unknown command id")
	}
	if cmd.NodeID != nodeID {
		return apperr.Forbidden("COMMAND_NODE_MISMATCH", "command does not belong to node")
	}
	if cmd.State == command.StateAcked {
		// Duplicate ack from redundant delivery; already applied.
		return nil
	}

	ack.CommandID = commandID

	b.mu.Lock()
	handler := b.handlers[cmd.Type]
	b.mu.Unlock()

	if handler != nil {
		if err := handler.HandleResult(ctx, cmd, ack); err != nil {
			b.log.WithError(err).
				WithField("command_id", commandID).
				WithField("type", string(cmd.Type)).
				Warn("command result handler failed")
		}
	}

	if ack.Success {
		cmd.State = command.StateAcked
	} else {
		cmd.State = command.StateFailed
	}
	if _, err := b.commands.UpdateCommand(ctx, cmd); err != nil {
		return err
	}

	entry := b.log.WithField("command_id", commandID).WithField("node_id", nodeID)
	if ack.Success {
		entry.Info("command acknowledged")
	} else {
		entry.WithField("error", ack.ErrorMessage).Warn("command failed on agent")
	}
	return nil
}

func (b *Bus) sweepExpired(ctx context.Context) {
	// The store only exposes per-node pending queries; expiry is enforced
	// lazily at delivery time, and this sweep finalizes commands whose TTL
	// lapsed with no delivery so callers can observe the failure.
	now := time.Now().UTC()
	nodes, err := b.nodes.ListNodes(ctx)
	if err != nil {
		return
	}
	for _, n := range nodes {
		pending, err := b.commands.ListPendingCommandsByNode(ctx, n.ID)
		if err != nil {
			continue
		}
		for _, cmd := range pending {
			if !cmd.Expired(now) {
				continue
			}
			cmd.State = command.StateFailed
			if _, err := b.commands.UpdateCommand(ctx, cmd); err != nil {
				b.log.WithError(err).WithField("command_id", cmd.ID).Warn("expire command failed")
			}
		}
	}
}

func (b *Bus) nodeLock(nodeID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.nodeMu[nodeID]
	if !ok {
		lock = &sync.Mutex{}
		b.nodeMu[nodeID] = lock
	}
	return lock
}

func sortFIFO(cmds []command.Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
}

// ReachableHost resolves the address the orchestrator can reach a node's
// agent on: the relay tunnel IP for CGNAT nodes, the public IP otherwise.
// Empty means the node is pull-only until a relay is assigned.
func ReachableHost(n node.Node) string {
	if n.NATType == node.NATCGNAT {
		if n.CGNATInfo != nil && n.CGNATInfo.TunnelIP != "" {
			return n.CGNATInfo.TunnelIP
		}
		return ""
	}
	return n.PublicIP
}
