package channel

import (
	"context"
	"sync"

	"github.com/delphix-oss/dsp/serial"
	"github.com/delphix-oss/dsp/wire"
)

// Window is a per-direction sender-side view of spec.md §3's Channel
// State: {commandSN, expectedCommandSN, maxCommandSN}. The sender must
// keep commandSN within [expectedCommandSN, maxCommandSN]; Assign blocks
// (the "window wait" case of spec.md §4.4's blocking-point list) until
// the receiver advertises enough credit.
type Window struct {
	mu       sync.Mutex
	next     wire.CommandSN // next commandSN to assign
	expected wire.CommandSN
	max      wire.CommandSN
	changed  chan struct{} // closed and replaced every time max/expected move
}

// NewWindow creates a Window with the initial credit the receiver
// advertised during negotiation.
func NewWindow(expected, max wire.CommandSN) *Window {
	return &Window{expected: expected, max: max, changed: make(chan struct{})}
}

// Assign blocks until commandSN.next <= maxCommandSN, then returns the
// next commandSN and advances past it. Canceling ctx unblocks a waiter
// without consuming a commandSN.
//
// Assign waits on a per-Window "changed" channel rather than a
// sync.Cond: closing a channel can never be missed by a select that
// starts after the close, so there is no lost-wakeup window between
// checking the condition and starting to wait (the failure mode a
// Cond.Wait/Broadcast pairing has if Broadcast fires between a caller's
// condition check and its call to Wait).
func (w *Window) Assign(ctx context.Context) (wire.CommandSN, error) {
	for {
		w.mu.Lock()
		if serial.Compare(w.next, w.max) <= 0 {
			sn := w.next
			w.next = w.next.Next()
			w.mu.Unlock()
			return sn, nil
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Advance updates the sender's view of the receiver's credit from a
// response's piggybacked fields (spec.md §4.4's ack path: "expectedCommandSN
// and the peer's window fields are refreshed from response piggybacks").
// Waiters blocked in Assign are woken if max grew.
func (w *Window) Advance(expected, max wire.CommandSN) {
	w.mu.Lock()
	w.expected = expected
	w.max = max
	old := w.changed
	w.changed = make(chan struct{})
	w.mu.Unlock()
	close(old)
}

// Snapshot returns the window's current commandSN/expectedCommandSN/
// maxCommandSN, for piggybacking onto an outgoing frame.
func (w *Window) Snapshot() (commandSN, expected, max wire.CommandSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next, w.expected, w.max
}

// ReceiveWindow tracks the receiver-side half of the same Channel State:
// the contiguous run of commandSN values delivered to the application,
// and the credit (maxCommandSN) advertised back to the sender.
type ReceiveWindow struct {
	mu         sync.Mutex
	expected   wire.CommandSN
	max        wire.CommandSN
	windowSize uint32
	pending    map[wire.CommandSN]struct{}
}

// NewReceiveWindow creates a ReceiveWindow advertising windowSize slots
// of credit starting from commandSN 0.
func NewReceiveWindow(windowSize uint32) *ReceiveWindow {
	return &ReceiveWindow{
		expected:   0,
		max:        wire.CommandSN(windowSize - 1),
		windowSize: windowSize,
		pending:    make(map[wire.CommandSN]struct{}),
	}
}

// Observe records an arriving commandSN as delivered and advances
// expectedCommandSN while the run stays contiguous (spec.md §4.4: "Always
// update expectedCommandSN once commandSN becomes contiguous from its
// last value"). maxCommandSN is advanced in lock-step so the advertised
// window size stays constant.
func (r *ReceiveWindow) Observe(sn wire.CommandSN) (expected, max wire.CommandSN) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[sn] = struct{}{}
	for {
		if _, ok := r.pending[r.expected]; !ok {
			break
		}
		delete(r.pending, r.expected)
		r.expected = r.expected.Next()
		r.max = r.expected + wire.CommandSN(r.windowSize-1)
	}
	return r.expected, r.max
}

// Snapshot returns the current expectedCommandSN/maxCommandSN without
// recording a new arrival, for piggybacking onto a frame this side
// originates (e.g. a CommandResponse carrying fresh credit).
func (r *ReceiveWindow) Snapshot() (expected, max wire.CommandSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected, r.max
}
