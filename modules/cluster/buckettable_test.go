package cluster

import (
	"context"
	"testing"

	"github.com/opencluster/opencluster/pkg/store"
	"github.com/stretchr/testify/require"
)

func TestBucketTableGetNotOwned(t *testing.T) {
	bt := NewBucketTable(NewHashMask(2))
	bt.SetEntry(0, HashMaskEntry{PrimaryAddr: "peer:1"})

	_, err := bt.Get(0xFF00)
	var notOwned *NotOwnedError
	require.ErrorAs(t, err, &notOwned)
	require.Equal(t, "peer:1", notOwned.PrimaryAddr)
}

func TestBucketTableGetNotPrimary(t *testing.T) {
	bt := NewBucketTable(NewHashMask(2))
	r := NewPrimaryReplica(0, store.New())
	r.Role = RoleSecondary
	bt.Set(r)
	bt.SetEntry(0, HashMaskEntry{PrimaryAddr: "peer:1"})

	_, err := bt.Get(0xFF00)
	var notPrimary *NotPrimaryError
	require.ErrorAs(t, err, &notPrimary)
}

func TestBucketTableStoreAndGet(t *testing.T) {
	bt := NewBucketTable(NewHashMask(2))
	bt.Set(NewPrimaryReplica(0, store.New()))

	err := bt.Store(context.Background(), store.Item{Hash: 0xFF00, Value: []byte("v")}, nil)
	require.NoError(t, err)

	item, err := bt.Get(0xFF00)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), item.Value)
}

func TestBucketTableGetPrimaryAddrMeansMe(t *testing.T) {
	bt := NewBucketTable(NewHashMask(2))
	bt.Set(NewPrimaryReplica(0, store.New()))

	addr, ok := bt.GetPrimaryAddr(0xFF00)
	require.True(t, ok)
	require.Empty(t, addr)
}

func TestBucketTableGetPrimaryAddrMigratingAway(t *testing.T) {
	bt := NewBucketTable(NewHashMask(2))
	r := NewPrimaryReplica(0, store.New())
	r.PeerBackup = "b:1"
	r.Transfer = &TransferState{Kind: TransferMigrate, TargetAddr: "c:1"}
	bt.Set(r)
	bt.SetEntry(0, HashMaskEntry{PrimaryAddr: "a:1"})

	addr, ok := bt.GetPrimaryAddr(0xFF00)
	require.False(t, ok)
	require.Equal(t, "a:1", addr)
}

func TestBucketTableStoreNameBindingsSucceedOnSecondary(t *testing.T) {
	bt := NewBucketTable(NewHashMask(2))
	r := NewPrimaryReplica(0, store.New())
	r.Role = RoleSecondary
	bt.Set(r)

	require.NoError(t, bt.StoreNameStr(0xFF00, "foo"))
	require.NoError(t, bt.StoreNameInt(0xFF00, 7))
}
