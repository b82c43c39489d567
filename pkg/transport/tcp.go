package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// TCP is the real Transport (spec §6): one listener for inbound peer
// connections plus outbound Dial, framing every message with protocol.go's
// length-prefixed Header+Payload encoding. One reader goroutine per
// connection decodes frames and hands them to the installed FrameHandler;
// Fake honors the same contract synchronously so the controller's state
// machines never know which one they're driving.
type TCP struct {
	logger log.Logger

	mu         sync.Mutex
	handler    FrameHandler
	disconnect DisconnectHandler
	listener   net.Listener
	clients    map[*tcpClient]struct{}
	closed     bool
}

// NewTCP constructs a TCP transport. Listen must be called separately to
// accept inbound connections; a node that only dials out (none exist in
// practice, since every node advertises a ListenAddr) can skip it.
func NewTCP(logger log.Logger) *TCP {
	return &TCP{logger: logger, clients: make(map[*tcpClient]struct{})}
}

func (t *TCP) SetFrameHandler(handler FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *TCP) SetDisconnectHandler(handler DisconnectHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnect = handler
}

// Listen opens addr and accepts inbound connections in the background
// until Close is called.
func (t *TCP) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *TCP) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			level.Warn(t.logger).Log("msg", "transport: accept failed", "err", err)
			return
		}
		c := t.newClient(conn, conn.RemoteAddr().String())
		go t.readLoop(c)
	}
}

// Dial opens an outbound connection. Sending SERVERHELLO over it is the
// caller's responsibility (spec §4.3), matching Fake.Dial.
func (t *TCP) Dial(ctx context.Context, addr string) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c := t.newClient(conn, addr)
	go t.readLoop(c)
	return c, nil
}

func (t *TCP) newClient(conn net.Conn, addr string) *tcpClient {
	c := &tcpClient{conn: conn, addr: addr}
	t.mu.Lock()
	t.clients[c] = struct{}{}
	t.mu.Unlock()
	return c
}

func (t *TCP) readLoop(c *tcpClient) {
	defer func() {
		t.mu.Lock()
		delete(t.clients, c)
		disconnect := t.disconnect
		t.mu.Unlock()
		_ = c.Close()
		if disconnect != nil {
			disconnect(c.Addr())
		}
	}()

	r := bufio.NewReader(c.conn)
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if !isClosedErr(err) {
				level.Debug(t.logger).Log("msg", "transport: connection closed", "addr", c.Addr(), "err", err)
			}
			return
		}
		payloadLen := binary.BigEndian.Uint32(hdr[8:12])
		var payload []byte
		if payloadLen > 0 {
			payload = make([]byte, payloadLen)
			if _, err := io.ReadFull(r, payload); err != nil {
				level.Warn(t.logger).Log("msg", "transport: short payload read", "addr", c.Addr(), "err", err)
				return
			}
		}

		frame := Frame{
			Header: Header{
				Command:    Command(binary.BigEndian.Uint16(hdr[0:2])),
				ReplyCmd:   Command(binary.BigEndian.Uint16(hdr[2:4])),
				RequestID:  binary.BigEndian.Uint32(hdr[4:8]),
				PayloadLen: payloadLen,
			},
			Payload: payload,
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(c, frame)
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Close tears down the listener and every connection dialed or accepted
// through this Transport.
func (t *TCP) Close() error {
	t.mu.Lock()
	t.closed = true
	ln := t.listener
	clients := make([]*tcpClient, 0, len(t.clients))
	for c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	return nil
}

// tcpClient is the Client handed to Dial's caller and to the FrameHandler
// for accepted connections. addr starts as the raw socket address for an
// inbound connection (the remote ephemeral port, not the peer's listen
// address) and is corrected once SERVERHELLO names the peer, via SetAddr.
type tcpClient struct {
	conn net.Conn

	addrMu sync.Mutex
	addr   string

	writeMu sync.Mutex
}

func (c *tcpClient) Addr() string {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	return c.addr
}

// SetAddr corrects this connection's address once its peer's SERVERHELLO
// has been read, so every later request carried over it reports the same
// address the registry keys the Node by (spec §4.3). Fake never needs
// this: its Addr() is already the dialed address in both directions.
func (c *tcpClient) SetAddr(addr string) {
	c.addrMu.Lock()
	c.addr = addr
	c.addrMu.Unlock()
}

func (c *tcpClient) Send(ctx context.Context, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(frame.Encode())
	return err
}

func (c *tcpClient) Close() error {
	return c.conn.Close()
}
