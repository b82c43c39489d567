package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeDeliversToPeerHandler(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg, "a:1")
	b := NewFake(reg, "b:1")

	received := make(chan Frame, 1)
	b.SetFrameHandler(func(from Client, frame Frame) {
		require.Equal(t, "a:1", from.Addr())
		received <- frame
	})

	client, err := a.Dial(context.Background(), "b:1")
	require.NoError(t, err)

	frame := Frame{Header: Header{Command: CmdServerHello}}
	require.NoError(t, client.Send(context.Background(), frame))

	got := <-received
	require.Equal(t, CmdServerHello, got.Header.Command)
}

func TestFakeDialUnreachable(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg, "a:1")
	NewFake(reg, "b:1")
	reg.SetUnreachable("b:1")

	_, err := a.Dial(context.Background(), "b:1")
	require.Error(t, err)

	reg.SetReachable("b:1")
	_, err = a.Dial(context.Background(), "b:1")
	require.NoError(t, err)
}

func TestFakeCloseFiresDisconnectOnBothEnds(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg, "a:1")
	b := NewFake(reg, "b:1")
	b.SetFrameHandler(func(Client, Frame) {})

	aDisconnected := make(chan string, 1)
	bDisconnected := make(chan string, 1)
	a.SetDisconnectHandler(func(addr string) { aDisconnected <- addr })
	b.SetDisconnectHandler(func(addr string) { bDisconnected <- addr })

	client, err := a.Dial(context.Background(), "b:1")
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.Equal(t, "b:1", <-aDisconnected)
	require.Equal(t, "a:1", <-bDisconnected)
}

func TestFakeSendToHandlerlessPeerFiresDisconnect(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg, "a:1")
	NewFake(reg, "b:1") // never installs a frame handler

	client, err := a.Dial(context.Background(), "b:1")
	require.NoError(t, err)

	aDisconnected := make(chan string, 1)
	a.SetDisconnectHandler(func(addr string) { aDisconnected <- addr })

	require.Error(t, client.Send(context.Background(), Frame{Header: Header{Command: CmdServerHello}}))
	require.Equal(t, "b:1", <-aDisconnected)
}

func TestFakeDialUnknownAddr(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg, "a:1")

	_, err := a.Dial(context.Background(), "nowhere:1")
	require.Error(t, err)
}
