package channel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWindowStall mirrors spec.md §8 scenario 4: commandWindowSize=4,
// issuing 10 commands leaves exactly 4 assigned and 6 blocked until the
// receiver advances credit, at which point exactly one more is admitted.
func TestWindowStall(t *testing.T) {
	w := NewWindow(0, 3) // commandWindowSize=4: commandSN in [0,3]

	var assigned atomic.Int32
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_, err := w.Assign(ctx)
			if err == nil {
				assigned.Add(1)
			}
			results <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(4), assigned.Load())

	w.Advance(1, 4) // one command acked, one more slot of credit opens
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(5), assigned.Load())

	w.Advance(5, 100) // release the rest
	for i := 0; i < 10; i++ {
		<-results
	}
	require.Equal(t, int32(10), assigned.Load())
}

func TestWindowAssignRespectsContextCancellation(t *testing.T) {
	w := NewWindow(0, 0)
	_, err := w.Assign(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Assign(ctx)
	require.Error(t, err)
}

func TestReceiveWindowAdvancesOnlyWhenContiguous(t *testing.T) {
	rw := NewReceiveWindow(4)

	expected, max := rw.Observe(1) // out of order: commandSN 0 hasn't arrived
	require.Equal(t, uint32(0), uint32(expected))
	require.Equal(t, uint32(3), uint32(max))

	expected, max = rw.Observe(0)
	require.Equal(t, uint32(2), uint32(expected)) // 0 then 1 both contiguous now
	require.Equal(t, uint32(5), uint32(max))
}
