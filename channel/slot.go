// Package channel implements the per-direction session-channel flow
// control from spec.md §4.4: the client-side slot table and command
// window, the throttle, and the server-side slot cache, composed into
// the fore/back channel pair a nexus owns.
package channel

import (
	"context"
	"sync"

	"github.com/delphix-oss/dsp/wire"
)

// Slot is a leased client-side slot identity, reusable across many
// commands; slotSN is bumped on every assignment so stale responses
// from a prior use are detectable (spec.md §3's Slot definition).
type Slot struct {
	ID wire.SlotID
	SN wire.SlotSN
}

// SlotTable is the client half's fixed-size pool of commandWindowSize
// slots. Acquire blocks cooperatively when the table is full — the
// "slot wait" case of spec.md §4.4's blocking-point list — via a
// buffered channel free-list rather than a condition variable, mirroring
// how a worker-pool token bucket is usually shaped in Go.
type SlotTable struct {
	free chan wire.SlotID
	snMu sync.Mutex
	sn   []wire.SlotSN // current generation per slot index
}

// NewSlotTable creates a table of size slots, all initially free at
// generation 0.
func NewSlotTable(size int) *SlotTable {
	free := make(chan wire.SlotID, size)
	for i := 0; i < size; i++ {
		free <- wire.SlotID(i)
	}
	return &SlotTable{free: free, sn: make([]wire.SlotSN, size)}
}

// Acquire waits for a free slot and returns it with its slotSN bumped
// for this new assignment (spec.md §4.4 step 2: "Assign next commandSN
// and an exchangeID; bump slot's slotSN").
func (t *SlotTable) Acquire(ctx context.Context) (Slot, error) {
	select {
	case id := <-t.free:
		return Slot{ID: id, SN: t.bump(id)}, nil
	case <-ctx.Done():
		return Slot{}, ctx.Err()
	}
}

// Retry re-bumps id's slotSN for a retransmit on a different transport,
// without releasing it to the free-list (spec.md §4.4's retry path:
// "re-sent ... using the same slotID and the incremented slotSN").
func (t *SlotTable) Retry(id wire.SlotID) wire.SlotSN {
	return t.bump(id)
}

func (t *SlotTable) bump(id wire.SlotID) wire.SlotSN {
	t.snMu.Lock()
	defer t.snMu.Unlock()
	t.sn[id] = t.sn[id].Next()
	return t.sn[id]
}

// Release returns id to the free-list once its response has been acked
// (spec.md §4.4's "Ack path: ... the slot is freed").
func (t *SlotTable) Release(id wire.SlotID) {
	t.free <- id
}

// Len returns the table's total capacity (commandWindowSize).
func (t *SlotTable) Len() int { return len(t.sn) }
