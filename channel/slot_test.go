package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlotTableAcquireRelease(t *testing.T) {
	st := NewSlotTable(1)
	ctx := context.Background()

	s1, err := st.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(0), uint16(s1.ID))
	require.Equal(t, uint32(1), uint32(s1.SN))

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = st.Acquire(ctx2)
	require.Error(t, err)

	st.Release(s1.ID)
	s2, err := st.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, s1.ID, s2.ID)
	require.Equal(t, uint32(2), uint32(s2.SN))
}

// TestSlotReuseAfterReset mirrors spec.md §8 scenario 2: commandWindowSize=1,
// a command is retransmitted on the same slot after a transport reset. The
// retry carries the bumped slotSN (2) the dispatch protocol treats as a new
// attempt (slotSN > cache.slotSN => execute) rather than a cache replay —
// a retry only replays when it arrives with the *same* slotSN the cache
// already completed, i.e. when the client never learned of completion and
// resent byte-for-byte without bumping.
func TestSlotReuseAfterReset(t *testing.T) {
	st := NewSlotTable(1)
	ctx := context.Background()

	c1, err := st.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), uint32(c1.SN))

	cache := NewSlotCache(1, 4)
	d, _ := cache.Offer(c1.ID, c1.SN)
	require.Equal(t, DispatchExecute, d)
	cache.Complete(c1.ID, c1.SN, nil)

	// A duplicate send of the same attempt (e.g. a second transport racing
	// the first before the client learns of a reset) replays the cached
	// response instead of re-executing.
	d, _ = cache.Offer(c1.ID, c1.SN)
	require.Equal(t, DispatchReplay, d)

	// Only once the client actually bumps slotSN for a fresh attempt does
	// the cache treat it as new work.
	retrySN := st.Retry(c1.ID)
	require.Equal(t, uint32(2), uint32(retrySN))
	d, resp := cache.Offer(c1.ID, retrySN)
	require.Equal(t, DispatchExecute, d)
	require.Nil(t, resp)
}
