package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHashMask(t *testing.T) {
	require.Equal(t, HashMask(0x3), NewHashMask(2))
	require.Equal(t, HashMask(0x7), NewHashMask(3))
}

func TestHashMaskValid(t *testing.T) {
	require.True(t, HashMask(0x3).Valid())
	require.True(t, HashMask(0x7).Valid())
	require.False(t, HashMask(0).Valid())
	require.False(t, HashMask(0x5).Valid())
}

func TestBucketOf(t *testing.T) {
	m := NewHashMask(2)
	require.Equal(t, uint64(0), m.BucketOf(0xFF00))
	require.Equal(t, uint64(1), m.BucketOf(0xFF01))
	require.Equal(t, uint64(3), m.BucketOf(0xFFFF))
}

func TestCanSplitTo(t *testing.T) {
	m := NewHashMask(2)
	require.True(t, m.CanSplitTo(m.Doubled()))
	require.False(t, m.CanSplitTo(m))
	require.False(t, m.CanSplitTo(HashMask(0x5)))
}
