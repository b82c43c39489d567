package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/transport"
	"github.com/opencluster/opencluster/pkg/util/log"
)

// pump drains every event currently pending on sink, dispatching each
// through the Controller synchronously. A dispatch can itself enqueue
// further events (a fan-out Send invokes the peer's handler inline,
// which pushes onto that peer's own sink), so this keeps draining until
// the channel sits empty rather than doing a single pass.
func pump(t *testing.T, c *Controller, sink chan any) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		select {
		case ev := <-sink:
			c.dispatch(context.Background(), ev)
		default:
			return
		}
	}
	t.Fatal("pump: exceeded iteration budget, possible infinite loop")
}

func newTestControllerConfig(addr string, seeds []string) Config {
	cfg := testConfig()
	cfg.ListenAddr = addr
	cfg.SeedAddrs = seeds
	cfg.InitialMaskBits = 2
	return cfg
}

// TestControllerBootstrapOwnsAllBuckets is scenario 0 implicit in spec §3:
// a seedless node's starting() takes on every bucket as an unbacked
// primary.
func TestControllerBootstrapOwnsAllBuckets(t *testing.T) {
	sink := make(chan any, 256)
	sched := scheduler.NewVirtual(sink)
	fakeReg := transport.NewFakeRegistry()
	tr := transport.NewFake(fakeReg, "a:1")

	c := NewController(newTestControllerConfig("a:1", nil), sched, tr, sink, log.Logger, nil)
	require.NoError(t, c.starting(context.Background()))

	snap := c.Snapshot()
	require.EqualValues(t, 4, snap.PrimaryCount)
	require.EqualValues(t, 0, snap.SecondaryCount)
	require.EqualValues(t, 4, snap.UnbackedCount)
}

// TestControllerJoinerStartsEmpty is the complementary half: a node given
// seeds does not buckets_init, leaving room for the rebalance loop to hand
// it buckets instead (spec §4.4).
func TestControllerJoinerStartsEmpty(t *testing.T) {
	sink := make(chan any, 256)
	sched := scheduler.NewVirtual(sink)
	fakeReg := transport.NewFakeRegistry()
	tr := transport.NewFake(fakeReg, "b:1")
	transport.NewFake(fakeReg, "a:1")

	c := NewController(newTestControllerConfig("b:1", []string{"a:1"}), sched, tr, sink, log.Logger, nil)
	require.NoError(t, c.starting(context.Background()))

	snap := c.Snapshot()
	require.EqualValues(t, 0, snap.PrimaryCount)
	require.EqualValues(t, 0, snap.SecondaryCount)
}

// TestControllerHandshakeAndSendUnbackedPrimary drives the full two-node
// join flow end to end: A bootstraps with all 4 buckets, B joins as a
// seed of A, and the LOADLEVELS/rebalance loop migrates an unbacked
// primary from A to B (spec §8 scenario 1).
func TestControllerHandshakeAndSendUnbackedPrimary(t *testing.T) {
	fakeReg := transport.NewFakeRegistry()

	sinkA := make(chan any, 256)
	schedA := scheduler.NewVirtual(sinkA)
	trA := transport.NewFake(fakeReg, "a:1")
	a := NewController(newTestControllerConfig("a:1", nil), schedA, trA, sinkA, log.Logger, nil)
	require.NoError(t, a.starting(context.Background()))

	sinkB := make(chan any, 256)
	schedB := scheduler.NewVirtual(sinkB)
	trB := transport.NewFake(fakeReg, "b:1")
	b := NewController(newTestControllerConfig("b:1", []string{"a:1"}), schedB, trB, sinkB, log.Logger, nil)
	require.NoError(t, b.starting(context.Background()))

	pump(t, b, sinkB)
	pump(t, a, sinkA)

	nodeB, ok := a.registry.Get("b:1")
	require.True(t, ok)
	require.Equal(t, StateActive, nodeB.State)

	// A polls B directly, as its own TIMEOUT_LOADLEVEL would eventually do:
	// A is the side holding unbacked primaries, so it's A's Decide that
	// must fire once B's empty counts come back (spec §4.4 rule 2).
	require.NoError(t, nodeB.Conn.Send(context.Background(), transport.Frame{
		Header: transport.Header{Command: transport.CmdLoadLevels, ReplyCmd: transport.CmdReplyLoadLevels},
	}))
	// Settling may cascade through several rounds (a "send unbacked
	// primary" reply chains into a fresh LOADLEVELS poll, which can in
	// turn trigger a "swap" once B reports a backup, spec §4.4 rules 1-2);
	// pump both sides round-robin until nothing is left to drain.
	for i := 0; i < 8; i++ {
		pump(t, b, sinkB)
		pump(t, a, sinkA)
	}

	snapA := a.Snapshot()
	snapB := b.Snapshot()
	require.False(t, snapA.BucketTransfer)
	require.False(t, snapB.BucketTransfer)
	require.EqualValues(t, 4, snapA.PrimaryCount+snapB.PrimaryCount,
		"primary ownership of all 4 buckets is conserved across the cluster")
	require.Greater(t, snapA.SecondaryCount+snapB.SecondaryCount, int64(0),
		"at least one bucket should have picked up a backup by now")
}
