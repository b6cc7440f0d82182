package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSameSourceRunsInOrderNeverConcurrently(t *testing.T) {
	m := NewManager(4)
	var mu sync.Mutex
	var order []int
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		n := i
		m.Submit("one-source", func() {
			defer wg.Done()
			cur := inFlight.Add(1)
			for {
				old := maxInFlight.Load()
				if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			inFlight.Add(-1)
		})
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInFlight.Load())
	for i := 0; i < 20; i++ {
		require.Equal(t, i, order[i])
	}
}

func TestDifferentSourcesRunConcurrently(t *testing.T) {
	m := NewManager(4)
	start := make(chan struct{})
	var wg sync.WaitGroup
	var running atomic.Int32
	var maxRunning atomic.Int32

	for i := 0; i < 3; i++ {
		wg.Add(1)
		src := string(rune('a' + i))
		m.Submit(src, func() {
			defer wg.Done()
			<-start
			cur := running.Add(1)
			for {
				old := maxRunning.Load()
				if cur <= old || maxRunning.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
		})
	}
	close(start)
	wg.Wait()

	require.GreaterOrEqual(t, maxRunning.Load(), int32(2))
}

type recordingNotifier struct {
	mu     sync.Mutex
	values []any
}

func (r *recordingNotifier) Notify(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recordingNotifier) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func TestListenersAddDeliversSnapshotFirst(t *testing.T) {
	m := NewManager(2)
	ls := NewListeners(m, "nexus-1")

	n := &recordingNotifier{}
	ls.Add(n, "snapshot:OPEN")
	ls.Broadcast("event:DEGRADED")
	ls.Broadcast("event:RECOVERED")

	require.Eventually(t, func() bool { return len(n.snapshot()) == 3 }, time.Second, time.Millisecond)
	got := n.snapshot()
	require.Equal(t, []any{"snapshot:OPEN", "event:DEGRADED", "event:RECOVERED"}, got)
}

func TestListenersRemoveQuiescesInFlightDispatch(t *testing.T) {
	m := NewManager(2)
	ls := NewListeners(m, "nexus-2")

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingNotifier{started: started, release: release}

	ls.Add(blocking, "initial")
	<-started // the initial dispatch is now running and blocked on release

	done := make(chan struct{})
	go func() {
		ls.Remove(blocking)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Remove returned before in-flight dispatch quiesced")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Remove did not quiesce after dispatch unblocked")
	}
}

type blockingNotifier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingNotifier) Notify(v any) {
	b.once.Do(func() { close(b.started) })
	<-b.release
}
