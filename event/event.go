// Package event implements spec.md §4.7's event manager: a router that
// guarantees events from the same source are processed in submission
// order and never concurrently, while different sources' queues drain
// in parallel over a shared, concurrency-bounded pool.
package event

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager multiplexes per-source serial lanes over a bounded worker
// pool. Unlike a goroutine-per-lane design, the number of concurrently
// running lanes is capped regardless of how many sources are active —
// the pack's errgroup.Group.SetLimit is the idiom the rest of the module
// leans on for bounded, cancelable fan-out (SPEC_FULL.md §4.7).
type Manager struct {
	mu    sync.Mutex
	lanes map[string]*lane
	group *errgroup.Group
}

// NewManager creates a Manager whose lanes share a pool of at most
// workers concurrently-running lanes.
func NewManager(workers int) *Manager {
	g := &errgroup.Group{}
	g.SetLimit(workers)
	return &Manager{lanes: make(map[string]*lane), group: g}
}

// lane is one logical work-queue: tasks submitted to it run strictly one
// at a time, in submission order, regardless of how many goroutines call
// Submit concurrently.
type lane struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Submit enqueues task onto source's lane. If the lane is idle, Submit
// starts it draining on the shared pool; if it's already draining,
// task just joins the queue behind whatever precedes it.
func (m *Manager) Submit(source string, task func()) {
	m.mu.Lock()
	l, ok := m.lanes[source]
	if !ok {
		l = &lane{}
		m.lanes[source] = l
	}
	m.mu.Unlock()

	l.mu.Lock()
	l.queue = append(l.queue, task)
	start := !l.running
	l.running = true
	l.mu.Unlock()

	if start {
		m.group.Go(func() error {
			l.drain()
			return nil
		})
	}
}

// drain runs queued tasks until the lane empties, then marks it idle.
// A task submitted the instant after the queue is observed empty but
// before running is cleared will simply start a fresh drain goroutine;
// the queue length check and the running flag are updated atomically
// under l.mu so no task is ever silently dropped.
func (l *lane) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		task()
	}
}

// Wait blocks until every currently-running lane drains. It does not
// prevent new Submit calls from starting further work; callers that
// want a clean shutdown should stop submitting before calling Wait.
func (m *Manager) Wait() error {
	return m.group.Wait()
}
