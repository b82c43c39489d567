package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVirtualFiresInDeadlineOrder(t *testing.T) {
	sink := make(chan any, 8)
	v := NewVirtual(sink)

	v.Arm(3*time.Second, "c")
	v.Arm(1*time.Second, "a")
	v.Arm(2*time.Second, "b")

	v.Advance(5 * time.Second)
	close(sink)

	var got []any
	for e := range sink {
		got = append(got, e)
	}
	require.Equal(t, []any{"a", "b", "c"}, got)
}

func TestVirtualCancel(t *testing.T) {
	sink := make(chan any, 8)
	v := NewVirtual(sink)

	h := v.Arm(1*time.Second, "x")
	h.Cancel()
	v.Arm(1*time.Second, "y")

	v.Advance(2 * time.Second)
	close(sink)

	var got []any
	for e := range sink {
		got = append(got, e)
	}
	require.Equal(t, []any{"y"}, got)
}

func TestVirtualDoesNotRefireSameTimer(t *testing.T) {
	sink := make(chan any, 8)
	v := NewVirtual(sink)

	v.Arm(1*time.Second, "once")
	v.Advance(1 * time.Second)
	v.Advance(1 * time.Second)
	close(sink)

	var got []any
	for e := range sink {
		got = append(got, e)
	}
	require.Equal(t, []any{"once"}, got)
}
