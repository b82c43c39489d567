package transport

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Transport used by the cluster package's tests. Every
// Fake constructed with NewFake shares a registry keyed by address, so
// dialing a peer's address delivers frames to that peer's own Fake.
type Fake struct {
	addr string

	mu         sync.Mutex
	registry   *fakeRegistry
	handler    FrameHandler
	disconnect DisconnectHandler
	closed     bool
	// closedTo marks peer addresses this Fake has explicitly Close()'d its
	// client to, so a later Send over the same logical connection fails
	// instead of silently reopening it.
	closedTo map[string]bool
}

type fakeRegistry struct {
	mu    sync.Mutex
	nodes map[string]*Fake
	// unreachable marks addresses that refuse every dial, modeling
	// ConnectError (spec §7).
	unreachable map[string]bool
}

// NewFakeRegistry creates a shared registry. Each node in a test cluster
// gets its own *Fake bound to this registry via NewFake.
func NewFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		nodes:       make(map[string]*Fake),
		unreachable: make(map[string]bool),
	}
}

// NewFake registers a Transport for addr against reg.
func NewFake(reg *fakeRegistry, addr string) *Fake {
	f := &Fake{addr: addr, registry: reg}
	reg.mu.Lock()
	reg.nodes[addr] = f
	reg.mu.Unlock()
	return f
}

// SetUnreachable makes every Dial to addr fail with ConnectError-shaped
// errors, until cleared by SetReachable.
func (r *fakeRegistry) SetUnreachable(addr string) {
	r.mu.Lock()
	r.unreachable[addr] = true
	r.mu.Unlock()
}

func (r *fakeRegistry) SetReachable(addr string) {
	r.mu.Lock()
	delete(r.unreachable, addr)
	r.mu.Unlock()
}

// Registry returns the shared registry f was constructed against, so a
// test can attach further Fakes to the same in-memory cluster.
func (f *Fake) Registry() *fakeRegistry {
	return f.registry
}

func (f *Fake) SetFrameHandler(handler FrameHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *Fake) SetDisconnectHandler(handler DisconnectHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = handler
}

// fireDisconnect invokes f's own disconnect handler, if one is installed.
func (f *Fake) fireDisconnect(addr string) {
	f.mu.Lock()
	h := f.disconnect
	f.mu.Unlock()
	if h != nil {
		h(addr)
	}
}

func (f *Fake) Dial(_ context.Context, addr string) (Client, error) {
	f.registry.mu.Lock()
	unreachable := f.registry.unreachable[addr]
	peer, ok := f.registry.nodes[addr]
	f.registry.mu.Unlock()

	if unreachable || !ok {
		return nil, fmt.Errorf("transport: dial %s: connection refused", addr)
	}

	return &fakeClient{from: f, to: peer}, nil
}

// fakeClient is the Client handed back by Dial: frames Send writes are
// delivered to the peer's registered FrameHandler, tagged with a
// fakeClient pointed back at the sender so the peer can reply.
type fakeClient struct {
	from *Fake
	to   *Fake
}

func (c *fakeClient) Addr() string { return c.to.addr }

func (c *fakeClient) Send(_ context.Context, frame Frame) error {
	c.from.mu.Lock()
	closedHere := c.from.closedTo[c.to.addr]
	c.from.mu.Unlock()
	if closedHere {
		return fmt.Errorf("transport: connection to %s closed", c.to.addr)
	}

	c.to.mu.Lock()
	handler := c.to.handler
	closed := c.to.closed
	c.to.mu.Unlock()

	if closed || handler == nil {
		// The peer is gone or never came up: from its perspective this is
		// indistinguishable from its socket to us having dropped, so tell
		// our own side the same way a real reader goroutine would.
		c.from.fireDisconnect(c.to.addr)
		if closed {
			return fmt.Errorf("transport: connection to %s closed", c.to.addr)
		}
		return fmt.Errorf("transport: %s has no frame handler installed", c.to.addr)
	}

	reply := &fakeClient{from: c.to, to: c.from}
	handler(reply, frame)
	return nil
}

// Close tears down this logical connection and notifies both ends'
// disconnect handlers, mirroring how closing one side of a real TCP
// socket unblocks both readers (spec §5).
func (c *fakeClient) Close() error {
	c.from.mu.Lock()
	if c.from.closedTo == nil {
		c.from.closedTo = make(map[string]bool)
	}
	already := c.from.closedTo[c.to.addr]
	c.from.closedTo[c.to.addr] = true
	c.from.mu.Unlock()
	if already {
		return nil
	}

	c.from.fireDisconnect(c.to.addr)
	c.to.fireDisconnect(c.from.addr)
	return nil
}
