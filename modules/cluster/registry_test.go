package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/transport"
	"github.com/opencluster/opencluster/pkg/util/log"
)

func testConfig() Config {
	cfg := Config{}
	cfg.TimeoutConnect = 0
	cfg.TimeoutNodeWait = 0
	cfg.TimeoutLoadLevel = 0
	cfg.TimeoutShutdown = 0
	cfg.TransitMin = 2
	cfg.TransitMax = 4
	cfg.MinBuckets = 4
	cfg.ListenAddr = "a:1"
	return cfg
}

func TestRegistryConnectSuccess(t *testing.T) {
	sink := make(chan any, 16)
	sched := scheduler.NewVirtual(sink)
	reg := transport.NewFakeRegistry()
	ta := transport.NewFake(reg, "a:1")
	tb := transport.NewFake(reg, "b:1")
	tb.SetFrameHandler(func(from transport.Client, frame transport.Frame) {})

	cfg := testConfig()
	cfg.ListenAddr = "a:1"
	r := NewRegistry(sched, ta, cfg, log.Logger)

	r.Connect(context.Background(), "b:1")
	n, ok := r.Get("b:1")
	require.True(t, ok)
	require.Equal(t, StateActive, n.State)
	require.NotNil(t, n.Conn)
	require.NotNil(t, n.LoadLevelTimer)
}

func TestRegistryConnectFailureGoesToWaiting(t *testing.T) {
	sink := make(chan any, 16)
	sched := scheduler.NewVirtual(sink)
	fakeReg := transport.NewFakeRegistry()
	ta := transport.NewFake(fakeReg, "a:1")

	cfg := testConfig()
	cfg.TimeoutNodeWait = 1
	r := NewRegistry(sched, ta, cfg, log.Logger)

	r.Connect(context.Background(), "nowhere:1")
	n, ok := r.Get("nowhere:1")
	require.True(t, ok)
	require.Equal(t, StateWaiting, n.State)
	require.Equal(t, 1, n.ConnectAttempts)
}

func TestRegistryOnDisconnectReschedulesWait(t *testing.T) {
	sink := make(chan any, 16)
	sched := scheduler.NewVirtual(sink)
	fakeReg := transport.NewFakeRegistry()
	ta := transport.NewFake(fakeReg, "a:1")
	transport.NewFake(fakeReg, "b:1")

	cfg := testConfig()
	r := NewRegistry(sched, ta, cfg, log.Logger)
	r.Connect(context.Background(), "b:1")
	require.EqualValues(t, 0, r.ActiveNodeCount())

	r.OnServerHelloAck("b:1", "run-1")
	require.EqualValues(t, 1, r.ActiveNodeCount())

	r.OnDisconnect("b:1")
	n, _ := r.Get("b:1")
	require.Equal(t, StateWaiting, n.State)
	require.EqualValues(t, 0, r.ActiveNodeCount())
}

func TestRegistryNodeShutdownWhileWaiting(t *testing.T) {
	sink := make(chan any, 16)
	sched := scheduler.NewVirtual(sink)
	fakeReg := transport.NewFakeRegistry()
	ta := transport.NewFake(fakeReg, "a:1")

	cfg := testConfig()
	r := NewRegistry(sched, ta, cfg, log.Logger)
	r.Connect(context.Background(), "unreachable:1")
	_, ok := r.Get("unreachable:1")
	require.True(t, ok)

	done := r.NodeShutdown("unreachable:1")
	require.True(t, done)
	_, ok = r.Get("unreachable:1")
	require.False(t, ok)
}
