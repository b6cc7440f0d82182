package nexus

// Listener receives session lifecycle notifications (spec.md §4.5:
// "Listeners: OnOpen|OnClosed|OnDegraded|OnRecovered, snapshot-at-
// subscribe"). A Listener added after a transition has already
// happened gets a synthetic notification reflecting current state,
// delivered through the same per-nexus event.Listeners lane as every
// subsequent live notification, so ordering is never split across two
// channels.
type Listener interface {
	// OnOpen fires once, the first time the session reaches LOGGED_IN.
	OnOpen(n *Nexus)
	// OnClosed fires once, when the session reaches ZOMBIE.
	OnClosed(n *Nexus, status CloseStatus)
	// OnDegraded fires whenever a LOGGED_IN session's live transport
	// count drops below its ideal count (isDegraded becomes true).
	OnDegraded(n *Nexus)
	// OnRecovered fires when a degraded session's live transport count
	// returns to its ideal count, or when a FAILED session regains a
	// transport and returns to LOGGED_IN.
	OnRecovered(n *Nexus)
}

// openedEvent, closedEvent, degradedEvent and recoveredEvent are the
// discrete notifications Broadcast carries for a live transition.
// snapshotEvent is what AddListener delivers first, folding together
// whatever subset of those four notifications is implied by the
// session's state at subscribe time.
type openedEvent struct{}
type closedEvent struct{ status CloseStatus }
type degradedEvent struct{}
type recoveredEvent struct{}
type snapshotEvent struct {
	opened   bool
	degraded bool
	closed   bool
	status   CloseStatus
}

// listenerAdapter bridges the opaque event.Notifier contract to the
// typed Listener interface.
type listenerAdapter struct {
	l Listener
	n *Nexus
}

func (a *listenerAdapter) Notify(v any) {
	switch e := v.(type) {
	case snapshotEvent:
		if e.opened {
			a.l.OnOpen(a.n)
		}
		if e.degraded {
			a.l.OnDegraded(a.n)
		}
		if e.closed {
			a.l.OnClosed(a.n, e.status)
		}
	case openedEvent:
		a.l.OnOpen(a.n)
	case degradedEvent:
		a.l.OnDegraded(a.n)
	case recoveredEvent:
		a.l.OnRecovered(a.n)
	case closedEvent:
		a.l.OnClosed(a.n, e.status)
	}
}
