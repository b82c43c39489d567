package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/store"
	"github.com/opencluster/opencluster/pkg/transport"
	"github.com/opencluster/opencluster/pkg/util/log"
)

func newSoloController(t *testing.T, addr string) (*Controller, chan any) {
	t.Helper()
	sink := make(chan any, 256)
	sched := scheduler.NewVirtual(sink)
	tr := transport.NewFake(transport.NewFakeRegistry(), addr)
	c := NewController(newTestControllerConfig(addr, nil), sched, tr, sink, log.Logger, nil)
	require.NoError(t, c.starting(context.Background()))
	return c, sink
}

// TestBucketShutdownSecondaryFinishesImmediately covers the first branch of
// spec §4.6's per-bucket drain: a secondary has nothing to hand off.
func TestBucketShutdownSecondaryFinishesImmediately(t *testing.T) {
	c, _ := newSoloController(t, "a:1")
	c.bt.Set(&BucketReplica{Index: 0, Role: RoleSecondary, PeerSource: "x:1", Store: store.New()})
	c.counters.secondaryCount++

	c.BucketShutdown(context.Background(), 0)

	_, hosted := c.bt.Replica(0)
	require.False(t, hosted)
	require.EqualValues(t, 0, c.counters.secondaryCount)
}

// TestBucketShutdownPrimaryNoPeersFinishesImmediately: a lone node has
// nobody to hand a primary off to, so it just drops it.
func TestBucketShutdownPrimaryNoPeersFinishesImmediately(t *testing.T) {
	c, _ := newSoloController(t, "a:1")

	c.BucketShutdown(context.Background(), 0)

	_, hosted := c.bt.Replica(0)
	require.False(t, hosted)
	require.EqualValues(t, 3, c.counters.primaryCount)
	require.EqualValues(t, 3, c.counters.unbackedCount)
}

// TestBucketShutdownPrimaryWithBackupPromotes drives the PROMOTE path end
// to end: the primary hands the bucket to its connected backup and only
// releases its own replica once the backup ACKs.
func TestBucketShutdownPrimaryWithBackupPromotes(t *testing.T) {
	a, b, sinkA, sinkB := newPairedControllers(t)

	r0, ok := a.bt.Replica(0)
	require.True(t, ok)
	r0.PeerBackup = "b:1"
	a.bt.SetEntry(0, HashMaskEntry{PrimaryAddr: "a:1", SecondaryAddr: "b:1"})

	bReplica := &BucketReplica{Index: 0, Role: RoleSecondary, PeerSource: "a:1", Store: store.New()}
	b.bt.Set(bReplica)
	b.bt.SetEntry(0, HashMaskEntry{PrimaryAddr: "a:1", SecondaryAddr: "b:1"})
	b.counters.secondaryCount++

	a.BucketShutdown(context.Background(), 0)
	require.Equal(t, Promoting, r0.Promotion)

	for i := 0; i < 4; i++ {
		pump(t, b, sinkB)
		pump(t, a, sinkA)
	}

	_, stillHosted := a.bt.Replica(0)
	require.False(t, stillHosted, "primary should have released bucket 0 once the backup ACKed PROMOTE")

	bAfter, ok := b.bt.Replica(0)
	require.True(t, ok)
	require.Equal(t, RolePrimary, bAfter.Role)
}

// TestBucketShutdownUnbackedPrimaryMigratesAway is Open Question 2's
// resolution: an unbacked primary with peers available begins an outbound
// migration on shutdown rather than stalling until TIMEOUT_SHUTDOWN.
func TestBucketShutdownUnbackedPrimaryMigratesAway(t *testing.T) {
	a, _, _, _ := newPairedControllers(t)

	r0, ok := a.bt.Replica(0)
	require.True(t, ok)
	require.Equal(t, RolePrimary, r0.Role)
	require.Empty(t, r0.PeerBackup)

	a.BucketShutdown(context.Background(), 0)

	require.True(t, r0.ShutdownInFlight)
	require.NotNil(t, r0.Transfer)
	require.True(t, a.counters.bucketTransfer)
	require.NotNil(t, r0.ShutdownTimer)
}

// TestNodeShutdownDrainsEveryHostedBucket exercises the per-node half of
// spec §4.6: every hosted bucket is handed off or dropped, and every known
// peer is asked to disconnect.
func TestNodeShutdownDrainsEveryHostedBucket(t *testing.T) {
	c, _ := newSoloController(t, "a:1")

	c.NodeShutdown(context.Background())

	for i := uint64(0); i < c.bt.Mask().Size(); i++ {
		_, hosted := c.bt.Replica(i)
		require.False(t, hosted)
	}
	require.EqualValues(t, 0, c.counters.primaryCount)
}
