package cluster

import (
	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/transport"
)

// ConnState is a peer's connection state (spec §4.3).
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateActive
	StateWaiting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateWaiting:
		return "waiting"
	default:
		return "disconnected"
	}
}

// Node is one known peer and its connection state machine.
type Node struct {
	Addr string
	RunID string

	State ConnState
	Conn  transport.Client

	// Capabilities is the bitmask this peer advertised in its SERVERHELLO
	// (spec §4.3, SPEC_FULL §4.7), e.g. transport.CapSupportsPromoteSwap.
	Capabilities uint32

	ConnectAttempts int

	// At most one of ConnectTimer/WaitTimer is live at a time (spec §3).
	ConnectTimer   scheduler.TimerHandle
	WaitTimer      scheduler.TimerHandle
	LoadLevelTimer scheduler.TimerHandle
	ShutdownTimer  scheduler.TimerHandle

	// Shutdown marks that node_shutdown has been requested; once set the
	// registry's reconnect logic stops re-arming Connecting/Waiting.
	Shutdown bool
}

// NewNode creates a peer record in the initial Disconnected state.
func NewNode(addr string) *Node {
	return &Node{Addr: addr, State: StateDisconnected}
}

// cancelTimer cancels h if non-nil; it's always safe to call on a nil
// handle so callers don't need a guard at every call site.
func cancelTimer(h scheduler.TimerHandle) {
	if h != nil {
		h.Cancel()
	}
}

// CancelAllTimers frees every timer this Node currently holds, satisfying
// spec §5's "every timer handle is freed on every exit path".
func (n *Node) CancelAllTimers() {
	cancelTimer(n.ConnectTimer)
	cancelTimer(n.WaitTimer)
	cancelTimer(n.LoadLevelTimer)
	cancelTimer(n.ShutdownTimer)
	n.ConnectTimer, n.WaitTimer, n.LoadLevelTimer, n.ShutdownTimer = nil, nil, nil, nil
}
