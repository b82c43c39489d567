package cluster

import (
	"context"
	"testing"

	"github.com/opencluster/opencluster/pkg/store"
	"github.com/stretchr/testify/require"
)

// TestSplitPreservesReads is the literal invariant 6 / "Mask-split
// refinement" law of spec §8: every key resolvable before split_to
// resolves to the same value afterward.
func TestSplitPreservesReads(t *testing.T) {
	oldMask := NewHashMask(2) // 4 buckets
	bt := NewBucketTable(oldMask)
	for i := uint64(0); i < oldMask.Size(); i++ {
		r := NewPrimaryReplica(i, store.New())
		bt.Set(r)
		bt.SetEntry(i, HashMaskEntry{PrimaryAddr: "a:1"})
	}

	keys := []uint64{0x10, 0x21, 0x32, 0x43, 0x54, 0x65}
	for _, k := range keys {
		require.NoError(t, bt.Store(context.Background(), store.Item{Hash: k, Value: []byte{byte(k)}}, nil))
	}

	newMask := oldMask.Doubled()
	require.NoError(t, bt.SplitTo(newMask))
	require.Equal(t, newMask, bt.Mask())

	for _, k := range keys {
		item, err := bt.Get(k)
		require.NoError(t, err, "key %#x should still resolve after split", k)
		require.Equal(t, []byte{byte(k)}, item.Value)
	}
}

func TestSplitSharesStoreUntilDrained(t *testing.T) {
	oldMask := NewHashMask(1) // 2 buckets
	bt := NewBucketTable(oldMask)
	bt.Set(NewPrimaryReplica(0, store.New()))
	bt.Set(NewPrimaryReplica(1, store.New()))
	require.NoError(t, bt.Store(context.Background(), store.Item{Hash: 0x10, Value: []byte("v")}, nil))

	newMask := oldMask.Doubled()
	require.NoError(t, bt.SplitTo(newMask))

	// Both siblings of old index 0 should be able to read the key until
	// drained; only the one matching under the new mask keeps it live.
	keyIdx := newMask.BucketOf(0x10)
	r, ok := bt.Replica(keyIdx)
	require.True(t, ok)
	_, ok = r.Store.Get(0x10)
	require.True(t, ok)

	bt.DrainSplitParents()
	_, ok = r.Store.Get(0x10)
	require.True(t, ok, "value should survive draining")
}

func TestSplitInheritsRoleAndPeers(t *testing.T) {
	oldMask := NewHashMask(1)
	bt := NewBucketTable(oldMask)
	r := NewPrimaryReplica(0, store.New())
	r.PeerBackup = "b:1"
	bt.Set(r)

	newMask := oldMask.Doubled()
	require.NoError(t, bt.SplitTo(newMask))

	for i := uint64(0); i < newMask.Size(); i++ {
		if i&uint64(oldMask) != 0 {
			continue
		}
		child, ok := bt.Replica(i)
		require.True(t, ok)
		require.Equal(t, RolePrimary, child.Role)
		require.Equal(t, NodeRef("b:1"), child.PeerBackup)
	}
}

func TestSplitRejectsInvalidTarget(t *testing.T) {
	bt := NewBucketTable(NewHashMask(2))
	err := bt.SplitTo(NewHashMask(2))
	require.Error(t, err)
}
