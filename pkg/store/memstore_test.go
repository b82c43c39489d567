package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreSetGetDelete(t *testing.T) {
	s := New()

	_, ok := s.Get(1)
	require.False(t, ok)

	s.Set(Item{Hash: 1, Value: []byte("a")})
	got, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got.Value)
	require.Equal(t, uint64(0), got.Epoch)

	s.Delete(1)
	_, ok = s.Get(1)
	require.False(t, ok)
}

func TestMemStoreSetResetsEpoch(t *testing.T) {
	s := New()
	s.Set(Item{Hash: 1, Value: []byte("a")})

	sent := s.PendingMigration(10, 10)
	require.Len(t, sent, 1)
	require.Equal(t, uint64(10), sent[0].Epoch)

	// A later write re-dirties the item so a future migration resends it,
	// even though its sync_epoch was already stamped above (spec §8 law 8).
	s.Set(Item{Hash: 1, Value: []byte("b")})
	got, _ := s.Get(1)
	require.Equal(t, uint64(0), got.Epoch)
}

func TestMemStorePendingMigrationRespectsAvail(t *testing.T) {
	s := New()
	for i := uint64(1); i <= 5; i++ {
		s.Set(Item{Hash: i, Value: []byte("v")})
	}

	first := s.PendingMigration(1, 2)
	require.Len(t, first, 2)

	second := s.PendingMigration(1, 2)
	require.Len(t, second, 2)

	third := s.PendingMigration(1, 2)
	require.Len(t, third, 1)

	// Every item is now stamped to epoch 1, so nothing further is pending.
	require.Empty(t, s.PendingMigration(1, 10))
}

func TestMemStoreNameBindingPrecedesValue(t *testing.T) {
	s := New()
	s.SetNameStr(7, "my-key")

	got, ok := s.Get(7)
	require.True(t, ok)
	require.True(t, got.HasName)
	require.Equal(t, "my-key", got.NameStr)
	require.Nil(t, got.Value)

	s.Set(Item{Hash: 7, NameStr: "my-key", HasName: true, Value: []byte("v")})
	got, _ = s.Get(7)
	require.Equal(t, []byte("v"), got.Value)
}

func TestMemStoreSplitChainsToParent(t *testing.T) {
	parent := New()
	for i := uint64(0); i < 4; i++ {
		parent.Set(Item{Hash: i, Value: []byte("v")})
	}

	// Splitting on the low bit: child "0" keeps even hashes, child "1"
	// keeps odd hashes, mirroring BucketOf under a doubled mask.
	childEven := New()
	childEven.AdoptSplitParent(parent, func(hash uint64) bool { return hash%2 == 0 })
	childOdd := New()
	childOdd.AdoptSplitParent(parent, func(hash uint64) bool { return hash%2 == 1 })

	require.Equal(t, 2, childEven.Len())
	require.Equal(t, 2, childOdd.Len())

	got, ok := childEven.Get(2)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got.Value)

	_, ok = childEven.Get(1)
	require.False(t, ok, "odd hash belongs to the sibling, not this child")

	require.True(t, childEven.DrainParent())
	require.True(t, childOdd.DrainParent())

	got, ok = childEven.Get(2)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got.Value)
}
