package channel

import (
	"context"
	"sync"
	"time"

	"github.com/delphix-oss/dsp/schedule"
)

// Throttle is a token-bucket rate limiter for spec.md §4.4 step 4: a
// command takes tokens before it is sent, and the caller blocks until
// enough have been refilled (the "throttle token wait" blocking point).
// nexus.execute charges a command's uncompressed payload length; no
// compression ratio is applied. Refill runs on the shared schedule.Scheduler instead of its
// own ticker, so every Throttle in a process shares one timer facility.
type Throttle struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64       // bytes per second
	changed  chan struct{} // closed and replaced on every refill tick

	repeat schedule.RepeatHandle
}

// NewThrottle creates a Throttle refilling at fillRateBytesPerSecond,
// capped at capacity tokens, ticking every interval via s.
func NewThrottle(s *schedule.Scheduler, fillRateBytesPerSecond float64, capacity float64, interval time.Duration) *Throttle {
	t := &Throttle{tokens: capacity, capacity: capacity, rate: fillRateBytesPerSecond, changed: make(chan struct{})}

	perTick := fillRateBytesPerSecond * interval.Seconds()
	t.repeat = s.Repeat(func() {
		t.mu.Lock()
		t.tokens += perTick
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		old := t.changed
		t.changed = make(chan struct{})
		t.mu.Unlock()
		close(old)
	}, interval)

	return t
}

// Consume blocks until n tokens are available, then deducts them. Canceling ctx unblocks
// a waiter without consuming any tokens. See Window.Assign's doc comment
// for why this waits on a channel-generation handoff rather than a
// sync.Cond.
func (t *Throttle) Consume(ctx context.Context, n float64) error {
	for {
		t.mu.Lock()
		if t.tokens >= n {
			t.tokens -= n
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the refill tick. Outstanding Consume calls unblock only
// via ctx cancellation, not Close.
func (t *Throttle) Close() {
	t.repeat.Cancel()
}
