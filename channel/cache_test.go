package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotCacheDispatchProtocol(t *testing.T) {
	c := NewSlotCache(2, 8)

	d, _ := c.Offer(0, 1)
	require.Equal(t, DispatchExecute, d)

	d, _ = c.Offer(0, 1)
	require.Equal(t, DispatchDuplicate, d)

	c.Complete(0, 1, "response-1")

	d, resp := c.Offer(0, 1)
	require.Equal(t, DispatchReplay, d)
	require.Equal(t, "response-1", resp)

	d, _ = c.Offer(0, 0)
	require.Equal(t, DispatchStale, d)

	d, _ = c.Offer(0, 2)
	require.Equal(t, DispatchExecute, d)
}

func TestSlotCacheDeliversInCommandSNOrder(t *testing.T) {
	c := NewSlotCache(4, 8)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	record := func(n int) func() {
		return func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	// Arrive out of order: 2, 0, 1. Only once 0 arrives can 0 then 1 then 2
	// run, each in commandSN order.
	c.Deliver(2, record(2))
	c.Deliver(0, record(0))
	c.Deliver(1, record(1))

	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestSlotCacheAbort(t *testing.T) {
	c := NewSlotCache(2, 8)

	d, _ := c.Offer(0, 1)
	require.Equal(t, DispatchExecute, d)

	require.True(t, c.Abort(0, 1, "aborted"))

	d, resp := c.Offer(0, 1)
	require.Equal(t, DispatchReplay, d)
	require.Equal(t, "aborted", resp)

	// Already completed: a second Abort call reports false and leaves
	// the cached response untouched.
	require.False(t, c.Abort(0, 1, "aborted-again"))
	_, resp = c.Offer(0, 1)
	require.Equal(t, "aborted", resp)

	// A newer generation supersedes: abort against the stale slotSN
	// fails even though the new attempt is in progress.
	d, _ = c.Offer(0, 2)
	require.Equal(t, DispatchExecute, d)
	require.False(t, c.Abort(0, 1, "stale-abort"))
	require.True(t, c.Abort(0, 2, "new-abort"))
}
