package event

import "sync"

// Notifier receives a sequence of opaque notification values in the
// order a Listeners group's source delivers them.
type Notifier interface {
	Notify(v any)
}

// Listeners manages one group of Notifiers fed from a single event
// source's lane, implementing spec.md §4.7's add/remove rules:
//
//   - Add delivers an initial notification reflecting a snapshot taken
//     at subscribe time, before any subsequently Broadcast value, since
//     both share the same lane and so preserve submission order.
//   - Remove blocks until any dispatch already in flight to that
//     listener completes ("quiesce any in-flight dispatch before
//     returning").
type Listeners struct {
	mgr    *Manager
	source string

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	notifier Notifier
	wg       sync.WaitGroup
}

// NewListeners creates a Listeners group whose notifications are routed
// through mgr's lane named source.
func NewListeners(mgr *Manager, source string) *Listeners {
	return &Listeners{mgr: mgr, source: source, subs: make(map[*subscription]struct{})}
}

// Add subscribes notifier and immediately enqueues snapshot as its
// first delivery. Callers must take snapshot under whatever lock guards
// the state being observed, and call Add before releasing that lock, so
// no state-change Broadcast can be missed or duplicated around the
// subscription point.
func (ls *Listeners) Add(notifier Notifier, snapshot any) {
	sub := &subscription{notifier: notifier}
	ls.mu.Lock()
	ls.subs[sub] = struct{}{}
	ls.mu.Unlock()
	ls.dispatch(sub, snapshot)
}

// Remove unsubscribes notifier. It blocks until any dispatch already
// queued or running for that listener has completed; notifications
// enqueued after Remove returns will not reach it (it has already been
// removed from the subscriber set by the time Remove can return).
func (ls *Listeners) Remove(notifier Notifier) {
	ls.mu.Lock()
	var target *subscription
	for sub := range ls.subs {
		if sub.notifier == notifier {
			target = sub
			delete(ls.subs, sub)
			break
		}
	}
	ls.mu.Unlock()
	if target != nil {
		target.wg.Wait()
	}
}

// Broadcast enqueues v for delivery, in order, to every listener
// currently subscribed.
func (ls *Listeners) Broadcast(v any) {
	ls.mu.Lock()
	subs := make([]*subscription, 0, len(ls.subs))
	for sub := range ls.subs {
		subs = append(subs, sub)
	}
	ls.mu.Unlock()

	for _, sub := range subs {
		ls.dispatch(sub, v)
	}
}

func (ls *Listeners) dispatch(sub *subscription, v any) {
	sub.wg.Add(1)
	ls.mgr.Submit(ls.source, func() {
		defer sub.wg.Done()
		sub.notifier.Notify(v)
	})
}
