package channel

import (
	"sort"
	"sync"

	"github.com/delphix-oss/dsp/serial"
	"github.com/delphix-oss/dsp/wire"
)

// SlotState is a server-side slot cache entry's lifecycle state
// (spec.md §4.4: "per-slot record {slotSN, last_response_ref?, state}").
type SlotState int

const (
	SlotFree SlotState = iota
	SlotInProgress
	SlotCompleted
)

type slotEntry struct {
	slotSN       wire.SlotSN
	state        SlotState
	lastResponse any // opaque to SlotCache; typically an encoded wire.Body
}

// Dispatch is the server's per-command verdict from SlotCache.Offer,
// telling the caller what to do with an arriving CommandRequest.
type Dispatch int

const (
	// DispatchStale means slotSN < cache.slotSN: a retransmit of an
	// already-superseded attempt. Discard it.
	DispatchStale Dispatch = iota
	// DispatchReplay means slotSN == cache.slotSN and the slot already
	// completed: resend LastResponse verbatim, do not re-execute.
	DispatchReplay
	// DispatchDuplicate means slotSN == cache.slotSN and the original
	// attempt is still executing: drop, the original will reply.
	DispatchDuplicate
	// DispatchExecute means slotSN > cache.slotSN: install the new
	// attempt, mark it in-progress, and enqueue it for execution.
	DispatchExecute
)

// SlotCache is the server half of a channel's flow control: one entry
// per slotID, dispatching each arriving CommandRequest per spec.md
// §4.4's four-case protocol, plus the receiver-side command window that
// orders delivery to the application by commandSN.
type SlotCache struct {
	mu      sync.Mutex
	entries []slotEntry
	recv    *ReceiveWindow

	// pendingOrder holds commands that arrived out of commandSN order,
	// buffered until the run becomes contiguous (spec.md §4.4: "The
	// server delivers commands to the application only in commandSN
	// order; out-of-order arrivals are buffered").
	pendingOrder map[wire.CommandSN]func()
}

// NewSlotCache creates a cache of size slots, with a receive window
// advertising windowSize credit.
func NewSlotCache(size int, windowSize uint32) *SlotCache {
	return &SlotCache{
		entries:      make([]slotEntry, size),
		recv:         NewReceiveWindow(windowSize),
		pendingOrder: make(map[wire.CommandSN]func()),
	}
}

// Offer applies the dispatch protocol to an arriving command identified
// by (slotID, slotSN). On DispatchReplay it also returns the cached
// response to resend.
func (c *SlotCache) Offer(slotID wire.SlotID, slotSN wire.SlotSN) (Dispatch, any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &c.entries[slotID]
	cmp := serial.Compare(slotSN, e.slotSN)
	switch {
	case cmp < 0:
		return DispatchStale, nil
	case cmp == 0 && e.state == SlotCompleted:
		return DispatchReplay, e.lastResponse
	case cmp == 0 && e.state == SlotInProgress:
		return DispatchDuplicate, nil
	case cmp > 0:
		e.slotSN = slotSN
		e.state = SlotInProgress
		e.lastResponse = nil
		return DispatchExecute, nil
	default:
		// slotSN == e.slotSN && e.state == SlotFree: the slot was never
		// used at this generation yet a duplicate offer arrived; treat
		// as a fresh execution rather than stale.
		e.state = SlotInProgress
		return DispatchExecute, nil
	}
}

// Deliver buffers execute under commandSN sn and, once the server's
// view of commandSN becomes contiguous starting from sn, runs every
// buffered execute whose turn has now come — in commandSN order (spec.md
// §4.4: "out-of-order arrivals are buffered ... delivered to the
// application only in commandSN order"). execute calls run with the
// cache's lock released, so they may block.
func (c *SlotCache) Deliver(sn wire.CommandSN, execute func()) {
	c.mu.Lock()
	c.pendingOrder[sn] = execute
	expected, _ := c.recv.Observe(sn)
	ready := c.drainReady(expected)
	c.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// drainReady must be called with mu held; it pops and returns, in
// ascending commandSN order, every buffered execute that precedes the
// now-contiguous expected boundary.
func (c *SlotCache) drainReady(expected wire.CommandSN) []func() {
	var due []wire.CommandSN
	for sn := range c.pendingOrder {
		if serial.Compare(sn, expected) < 0 {
			due = append(due, sn)
		}
	}
	sort.Slice(due, func(i, j int) bool { return serial.Compare(due[i], due[j]) < 0 })

	ready := make([]func(), 0, len(due))
	for _, sn := range due {
		ready = append(ready, c.pendingOrder[sn])
		delete(c.pendingOrder, sn)
	}
	return ready
}

// Complete marks slotID's current-generation entry as COMPLETED and
// caches resp for idempotent replay on retransmit (spec.md §4.4's
// "resend cached response (idempotent replay)").
func (c *SlotCache) Complete(slotID wire.SlotID, slotSN wire.SlotSN, resp any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.entries[slotID]
	if e.slotSN != slotSN {
		return // superseded by a newer attempt while executing
	}
	e.state = SlotCompleted
	e.lastResponse = resp
}

// Window exposes the receiver-side credit tracker so callers can
// piggyback expectedCommandSN/maxCommandSN onto outgoing responses.
func (c *SlotCache) Window() *ReceiveWindow { return c.recv }

// Abort marks slotID's current-generation entry COMPLETED with the
// given placeholder response if it is still SlotInProgress, reporting
// true if it did so (spec.md §4.4's TaskMgmt "aborted" reply). It
// reports false once the slot has already completed or moved to a
// newer generation, which the caller treats as "already-complete".
// Abort cannot stop an execute callback already running on another
// goroutine (SlotCache has no handle on it); a command that wins this
// race after Abort simply overwrites the placeholder via its own
// later Complete call.
func (c *SlotCache) Abort(slotID wire.SlotID, slotSN wire.SlotSN, aborted any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.entries[slotID]
	if e.slotSN != slotSN || e.state != SlotInProgress {
		return false
	}
	e.state = SlotCompleted
	e.lastResponse = aborted
	return true
}
