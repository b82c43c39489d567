package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"go.uber.org/atomic"

	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/transport"
)

// connectTimeoutEvent fires TIMEOUT_CONNECT for a pending outbound dial.
type connectTimeoutEvent struct{ addr string }

// waitTimeoutEvent fires TIMEOUT_NODE_WAIT, retrying a Waiting node.
type waitTimeoutEvent struct{ addr string }

// loadLevelTimerEvent fires TIMEOUT_LOADLEVEL, polling an Active peer.
type loadLevelTimerEvent struct{ addr string }

// Registry is the Node Registry of spec §4.3: every known peer keyed by
// address, each with its own connection state machine.
type Registry struct {
	nodes map[string]*Node

	sched      scheduler.Scheduler
	transport  transport.Transport
	backoffCfg backoff.Config

	cfg    Config
	logger log.Logger

	// activeNodes is read from the metrics/status HTTP goroutines without
	// a lock (SPEC_FULL §3.1 / §5): every write happens on the event-loop
	// goroutine, every cross-goroutine read goes through this atomic.
	activeNodes atomic.Int64
}

// NewRegistry constructs an empty registry. sched and tr are the owning
// Controller's Scheduler/Transport; cfg supplies the TIMEOUT_* tunables.
func NewRegistry(sched scheduler.Scheduler, tr transport.Transport, cfg Config, logger log.Logger) *Registry {
	return &Registry{
		nodes:     make(map[string]*Node),
		sched:     sched,
		transport: tr,
		backoffCfg: backoff.Config{
			MinBackoff: cfg.TimeoutNodeWait,
			MaxBackoff: cfg.TimeoutNodeWait * 8,
			MaxRetries: 0, // unlimited: peers are expected to come back eventually
		},
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Registry) ActiveNodeCount() int64 { return r.activeNodes.Load() }

func (r *Registry) Get(addr string) (*Node, bool) {
	n, ok := r.nodes[addr]
	return n, ok
}

func (r *Registry) All() []*Node {
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// AddPeer registers addr as a known, Disconnected peer if not already
// known, and returns its Node either way.
func (r *Registry) AddPeer(addr string) *Node {
	if n, ok := r.nodes[addr]; ok {
		return n
	}
	n := NewNode(addr)
	r.nodes[addr] = n
	return n
}

// Connect drives Disconnected -> Connecting (spec §4.3): dial, and arm
// TIMEOUT_CONNECT in case the dial never resolves.
func (r *Registry) Connect(ctx context.Context, addr string) {
	n := r.AddPeer(addr)
	if n.State != StateDisconnected || n.Shutdown {
		return
	}
	n.State = StateConnecting
	n.ConnectTimer = r.sched.Arm(r.cfg.TimeoutConnect, connectTimeoutEvent{addr: addr})

	client, err := r.transport.Dial(ctx, addr)
	if err != nil {
		r.onConnectFailure(n)
		return
	}
	r.onConnectSuccess(n, client)
}

func (r *Registry) onConnectSuccess(n *Node, client transport.Client) {
	cancelTimer(n.ConnectTimer)
	n.ConnectTimer = nil
	n.Conn = client
	n.State = StateActive
	n.ConnectAttempts = 0

	hello := transport.ServerHello{Addr: r.cfg.ListenAddr, Capabilities: transport.CapSupportsPromoteSwap}
	frame := transport.Frame{Header: transport.Header{Command: transport.CmdServerHello}, Payload: hello.Marshal()}
	frame.Header.PayloadLen = uint32(len(frame.Payload))
	if err := client.Send(context.Background(), frame); err != nil {
		level.Warn(r.logger).Log("msg", "serverhello send failed", "addr", n.Addr, "err", err)
	}

	n.LoadLevelTimer = r.sched.Arm(r.cfg.TimeoutLoadLevel, loadLevelTimerEvent{addr: n.Addr})
}

func (r *Registry) onConnectFailure(n *Node) {
	cancelTimer(n.ConnectTimer)
	n.ConnectTimer = nil
	n.State = StateWaiting
	n.ConnectAttempts++
	delay := retryDelay(r.backoffCfg, n.ConnectAttempts)
	n.WaitTimer = r.sched.Arm(delay, waitTimeoutEvent{addr: n.Addr})
}

// retryDelay reimplements exponential backoff from Config without
// blocking: MinBackoff doubled per attempt, capped at MaxBackoff. A real
// *backoff.Backoff blocks on Wait(), which this single-threaded event
// loop (spec §5) cannot afford, so only its Config shape is reused.
func retryDelay(cfg backoff.Config, attempt int) time.Duration {
	d := cfg.MinBackoff
	for i := 1; i < attempt && d < cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	return d
}

// OnConnectTimeout handles TIMEOUT_CONNECT: treat as a failed connect.
func (r *Registry) OnConnectTimeout(addr string) {
	n, ok := r.nodes[addr]
	if !ok || n.State != StateConnecting {
		return
	}
	r.onConnectFailure(n)
}

// OnWaitTimeout handles TIMEOUT_NODE_WAIT: retransition Waiting->Connecting.
func (r *Registry) OnWaitTimeout(ctx context.Context, addr string) {
	n, ok := r.nodes[addr]
	if !ok || n.State != StateWaiting {
		return
	}
	cancelTimer(n.WaitTimer)
	n.WaitTimer = nil
	n.State = StateDisconnected
	r.Connect(ctx, addr)
}

// OnServerHelloAck records a completed SERVERHELLO exchange with addr
// (the peer ACKed the hello we sent, or we received its hello on an
// inbound connection), counting it toward active_nodes for the
// ideal-count computation (spec §4.3, §4.4).
func (r *Registry) OnServerHelloAck(addr string, runID string) {
	n, ok := r.nodes[addr]
	if !ok {
		return
	}
	n.RunID = runID
	r.activeNodes.Add(1)
}

// OnDisconnect handles a dropped connection: detach the client, cancel the
// loadlevel timer, decrement active_nodes, and begin Waiting.
func (r *Registry) OnDisconnect(addr string) {
	n, ok := r.nodes[addr]
	if !ok {
		return
	}
	wasActive := n.State == StateActive
	cancelTimer(n.LoadLevelTimer)
	n.LoadLevelTimer = nil
	n.Conn = nil
	if wasActive {
		r.activeNodes.Sub(1)
	}
	if n.Shutdown {
		delete(r.nodes, addr)
		return
	}
	n.State = StateWaiting
	n.WaitTimer = r.sched.Arm(r.cfg.TimeoutNodeWait, waitTimeoutEvent{addr: addr})
}

// OnLoadLevelTimer handles TIMEOUT_LOADLEVEL: send LOADLEVELS, rearm.
func (r *Registry) OnLoadLevelTimer(addr string) error {
	n, ok := r.nodes[addr]
	if !ok || n.State != StateActive || n.Conn == nil {
		return nil
	}
	frame := transport.Frame{Header: transport.Header{Command: transport.CmdLoadLevels, ReplyCmd: transport.CmdReplyLoadLevels}}
	if err := n.Conn.Send(context.Background(), frame); err != nil {
		return fmt.Errorf("cluster: sending LOADLEVELS to %s: %w", addr, err)
	}
	n.LoadLevelTimer = r.sched.Arm(r.cfg.TimeoutLoadLevel, loadLevelTimerEvent{addr: addr})
	return nil
}

// NodeShutdown implements the per-node half of spec §4.6, including the
// Open Question 3 resolution (Waiting -> cancel wait timer, free
// immediately; there is no connection to drain).
func (r *Registry) NodeShutdown(addr string) (done bool) {
	n, ok := r.nodes[addr]
	if !ok {
		return true
	}
	n.Shutdown = true
	switch n.State {
	case StateConnecting:
		return false // wait for it to settle
	case StateWaiting:
		cancelTimer(n.WaitTimer)
		n.WaitTimer = nil
		delete(r.nodes, addr)
		return true
	case StateActive:
		if n.Conn != nil {
			_ = n.Conn.Close()
		}
		return false // OnDisconnect will delete it once the close completes
	default:
		delete(r.nodes, addr)
		return true
	}
}
