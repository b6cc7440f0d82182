package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleRunsAfterDelay(t *testing.T) {
	s := New()
	var ran atomic.Bool
	s.Schedule(func() { ran.Store(true) }, 10*time.Millisecond)
	require.False(t, ran.Load())
	time.Sleep(50 * time.Millisecond)
	require.True(t, ran.Load())
}

func TestScheduleCancel(t *testing.T) {
	s := New()
	var ran atomic.Bool
	h := s.Schedule(func() { ran.Store(true) }, 10*time.Millisecond)
	h.Cancel()
	time.Sleep(50 * time.Millisecond)
	require.False(t, ran.Load())
}

func TestRepeatTicksUntilCancelled(t *testing.T) {
	s := New()
	var count atomic.Int32
	h := s.Repeat(func() { count.Add(1) }, 10*time.Millisecond)
	time.Sleep(55 * time.Millisecond)
	h.Cancel()
	seen := count.Load()
	require.GreaterOrEqual(t, seen, int32(3))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, seen, count.Load())
}
