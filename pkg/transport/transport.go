// Package transport defines the on-wire collaborator interfaces the
// cluster controller drives. Per spec §1 the framing/codec is an external
// collaborator of the core; this package also holds its concrete pieces:
// the wire format (protocol.go), the TCP transport (tcp.go), and Fake (in
// fake.go), the in-memory double the controller's tests exercise the
// protocol state machines against.
package transport

import "context"

// Client is this node's view of a single connection to one peer. It is
// handed out by Transport.Dial and also passed to the controller's frame
// handler for inbound connections; BucketReplica and Node hold it by
// reference, never by ownership (spec §9 "cyclic back-references").
type Client interface {
	// Addr is the peer address this client talks to.
	Addr() string

	// Send writes a single frame. Per-connection ordering is FIFO (spec §5).
	Send(ctx context.Context, frame Frame) error

	// Close tears down the underlying connection.
	Close() error
}

// FrameHandler is invoked once per inbound frame, for both frames that are
// replies to a request this node sent and frames that are themselves
// requests from a peer.
type FrameHandler func(from Client, frame Frame)

// DisconnectHandler is invoked once a connection to addr is gone, whether
// the peer closed it, the socket errored, or this side closed it itself
// (spec §5 "a lost connection during Streaming cancels the TransferState").
// addr is the peer's address as the registry keys it, not the raw socket
// address of an inbound connection.
type DisconnectHandler func(addr string)

// Transport owns outbound dialing and inbound frame delivery. The
// controller is the sole reader of frames: SetFrameHandler always delivers
// on the caller-supplied handler, synchronously with respect to the frame
// arriving, so no locking is needed on the handler side as long as the
// handler itself funnels into the controller's single event channel.
type Transport interface {
	// Dial opens an outbound connection, sending SERVERHELLO is the
	// caller's responsibility (spec §4.3).
	Dial(ctx context.Context, addr string) (Client, error)

	// SetFrameHandler installs the single handler invoked for every frame
	// received on any connection this Transport manages.
	SetFrameHandler(handler FrameHandler)

	// SetDisconnectHandler installs the single handler invoked whenever any
	// connection this Transport manages goes away.
	SetDisconnectHandler(handler DisconnectHandler)
}
