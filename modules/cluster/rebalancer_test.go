package cluster

import (
	"testing"

	"github.com/opencluster/opencluster/pkg/store"
	"github.com/opencluster/opencluster/pkg/transport"
	"github.com/stretchr/testify/require"
)

func fourBucketTable(t *testing.T) *BucketTable {
	t.Helper()
	bt := NewBucketTable(NewHashMask(2))
	for i := uint64(0); i < 4; i++ {
		bt.Set(NewPrimaryReplica(i, store.New()))
	}
	return bt
}

func TestDecideDoesNothingDuringAnyTransfer(t *testing.T) {
	bt := fourBucketTable(t)
	c := counts{primaryCount: 4, mask: bt.Mask(), activeNodes: 2, minBuckets: 4, bucketTransfer: true}
	plan := Decide(bt, "b:1", 0, 0, 0, 0, c)
	require.Equal(t, DecisionNone, plan.Decision)

	c.bucketTransfer = false
	plan = Decide(bt, "b:1", 0, 0, 1, 0, c)
	require.Equal(t, DecisionNone, plan.Decision)
}

// TestDecideSwapForLoadBalance is scenario 2 of spec §8: A has primaries
// {0,1,2,3} backed on B; B reports primary=0, backups=4. Rule 1 fires.
func TestDecideSwapForLoadBalance(t *testing.T) {
	bt := fourBucketTable(t)
	for i := uint64(0); i < 4; i++ {
		r, _ := bt.Replica(i)
		r.PeerBackup = "b:1"
	}
	c := counts{primaryCount: 4, secondaryCount: 0, mask: bt.Mask(), activeNodes: 2, minBuckets: 4}

	plan := Decide(bt, "b:1", 0, 4, 0, transport.CapSupportsPromoteSwap, c)
	require.Equal(t, DecisionSwap, plan.Decision)
	require.Equal(t, uint64(0), plan.BucketIndex)
}

// TestDecideSwapSkippedWithoutCapability checks SPEC_FULL §4.7: a peer
// that never advertised CapSupportsPromoteSwap in its SERVERHELLO falls
// through to rule 3 (balance) instead of being handed a swap it can't
// finalize.
func TestDecideSwapSkippedWithoutCapability(t *testing.T) {
	bt := fourBucketTable(t)
	for i := uint64(0); i < 4; i++ {
		r, _ := bt.Replica(i)
		r.PeerBackup = "b:1"
	}
	c := counts{primaryCount: 4, secondaryCount: 0, mask: bt.Mask(), activeNodes: 2, minBuckets: 1}

	plan := Decide(bt, "b:1", 0, 4, 0, 0, c)
	require.NotEqual(t, DecisionSwap, plan.Decision)
}

// TestDecideSendUnbackedPrimary is scenario 1 of spec §8: A alone owns all
// 4 buckets unbacked; B just connected and reports all zero.
func TestDecideSendUnbackedPrimary(t *testing.T) {
	bt := fourBucketTable(t)
	c := counts{primaryCount: 4, secondaryCount: 0, unbackedCount: 4, mask: bt.Mask(), activeNodes: 2, minBuckets: 4}

	plan := Decide(bt, "b:1", 0, 0, 0, 0, c)
	require.Equal(t, DecisionSendUnbacked, plan.Decision)
	require.Equal(t, uint64(0), plan.BucketIndex)
}

// TestDecideSplitPreemptsBalance is scenario 3 of spec §8: active_nodes=4,
// mask=0x3 (4 buckets), ideal = 8/4 = 2 < MIN_BUCKETS(4): split instead.
func TestDecideSplitPreemptsBalance(t *testing.T) {
	bt := fourBucketTable(t)
	c := counts{primaryCount: 1, secondaryCount: 0, mask: bt.Mask(), activeNodes: 4, minBuckets: 4}

	plan := Decide(bt, "b:1", 0, 0, 0, 0, c)
	require.Equal(t, DecisionSplit, plan.Decision)
	require.Equal(t, bt.Mask().Doubled(), plan.NewMask)
}

func TestDecideBalanceSendsSecondaryWhenOutnumbering(t *testing.T) {
	bt := fourBucketTable(t)
	r0, _ := bt.Replica(0)
	r0.Role = RoleSecondary
	r0.PeerSource = "c:1"
	r1, _ := bt.Replica(1)
	r1.Role = RoleSecondary
	r1.PeerSource = "c:1"

	c := counts{primaryCount: 2, secondaryCount: 2, mask: bt.Mask(), activeNodes: 3, minBuckets: 1}
	plan := Decide(bt, "b:1", 0, 0, 0, 0, c)
	require.Equal(t, DecisionBalance, plan.Decision)
	require.Equal(t, uint64(0), plan.BucketIndex)
}

func TestDecideBalanceNeverSendsToNodeAlreadyHoldingOtherCopy(t *testing.T) {
	bt := fourBucketTable(t)
	r0, _ := bt.Replica(0)
	r0.PeerBackup = "b:1" // already backed by b:1; must not be offered to b:1 again
	c := counts{primaryCount: 4, secondaryCount: 0, mask: bt.Mask(), activeNodes: 3, minBuckets: 1}

	plan := Decide(bt, "b:1", 0, 0, 0, 0, c)
	require.Equal(t, DecisionBalance, plan.Decision)
	require.Equal(t, uint64(1), plan.BucketIndex, "bucket 0 must be skipped since its backup is already b:1")
}
