package nexus

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/event"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/schedule"
	"github.com/delphix-oss/dsp/transport"
)

func testPair() dsp.TerminusPair {
	return dsp.TerminusPair{
		Client:  dsp.ClientTerminus{UUID: uuid.New(), Name: "client"},
		Server:  dsp.ServerTerminus{UUID: uuid.New(), Name: "server"},
		Service: uuid.New(),
	}
}

func newTestTransport(t *testing.T, opts *options.Registry) (*transport.Transport, *transport.Transport) {
	t.Helper()
	c1, c2 := net.Pipe()
	a := transport.New(c1, opts)
	b := transport.New(c2, opts)
	a.Open(context.Background())
	b.Open(context.Background())
	return a, b
}

type recordingListener struct {
	mu        sync.Mutex
	opened    int
	closed    int
	degraded  int
	recovered int
	lastStatus CloseStatus
	notified  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{notified: make(chan struct{}, 64)}
}

func (l *recordingListener) OnOpen(n *Nexus) {
	l.mu.Lock()
	l.opened++
	l.mu.Unlock()
	l.notified <- struct{}{}
}
func (l *recordingListener) OnClosed(n *Nexus, status CloseStatus) {
	l.mu.Lock()
	l.closed++
	l.lastStatus = status
	l.mu.Unlock()
	l.notified <- struct{}{}
}
func (l *recordingListener) OnDegraded(n *Nexus) {
	l.mu.Lock()
	l.degraded++
	l.mu.Unlock()
	l.notified <- struct{}{}
}
func (l *recordingListener) OnRecovered(n *Nexus) {
	l.mu.Lock()
	l.recovered++
	l.mu.Unlock()
	l.notified <- struct{}{}
}

func (l *recordingListener) waitFor(d time.Duration) bool {
	select {
	case <-l.notified:
		return true
	case <-time.After(d):
		return false
	}
}

func TestAttachTransitionsActiveThenLoggedIn(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	n := New(testPair(), opts, mgr, sched, 1)

	local, _ := newTestTransport(t, opts)
	defer local.Close()

	require.NoError(t, n.Attach(local))
	require.Equal(t, StateActive, n.State())

	local.MarkConnected()
	require.Equal(t, StateLoggedIn, n.State())
	require.False(t, n.IsDegraded())
}

func TestDegradedWhenLiveBelowIdeal(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	n := New(testPair(), opts, mgr, sched, 2)

	lst := newRecordingListener()
	n.AddListener(lst) // FREE state: empty snapshot, no callback fires yet

	local, _ := newTestTransport(t, opts)
	defer local.Close()
	require.NoError(t, n.Attach(local))
	local.MarkConnected()

	require.True(t, lst.waitFor(time.Second)) // OnOpen
	require.Equal(t, StateLoggedIn, n.State())
	require.True(t, n.IsDegraded())
}

func TestFailedTransitionsToZombieOnRecoveryTimeout(t *testing.T) {
	opts := options.NewDefaultRegistry()
	require.NoError(t, opts.Set(options.RecoveryTimeout, 20))
	mgr := event.NewManager(4)
	sched := schedule.New()
	n := New(testPair(), opts, mgr, sched, 1)

	local, _ := newTestTransport(t, opts)
	defer local.Close()
	require.NoError(t, n.Attach(local))
	local.MarkConnected()
	require.Equal(t, StateLoggedIn, n.State())

	n.OnDisconnected(local, nil)
	require.Equal(t, StateFailed, n.State())

	require.Eventually(t, func() bool {
		return n.State() == StateZombie
	}, time.Second, 5*time.Millisecond)
}

func TestFailedRecoversWhenTransportReturns(t *testing.T) {
	opts := options.NewDefaultRegistry()
	require.NoError(t, opts.Set(options.RecoveryTimeout, 5000))
	mgr := event.NewManager(4)
	sched := schedule.New()
	n := New(testPair(), opts, mgr, sched, 1)

	local, _ := newTestTransport(t, opts)
	defer local.Close()
	require.NoError(t, n.Attach(local))
	local.MarkConnected()

	n.OnDisconnected(local, nil)
	require.Equal(t, StateFailed, n.State())

	n.OnConnected(local) // simulate the same transport resuming
	require.Equal(t, StateLoggedIn, n.State())
}

func TestRegistryAdoptAndReinstate(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	pair := testPair()

	r := NewRegistry()
	n1, created := r.Adopt(pair, func() *Nexus { return New(pair, opts, mgr, sched, 1) })
	require.True(t, created)

	n1Again, created := r.Adopt(pair, func() *Nexus { return New(pair, opts, mgr, sched, 1) })
	require.False(t, created)
	require.Same(t, n1, n1Again)

	n2 := New(pair, opts, mgr, sched, 1)
	r.Reinstate(pair, n2)

	require.Equal(t, StateZombie, n1.State())
	got, ok := r.Lookup(pair)
	require.True(t, ok)
	require.Same(t, n2, got)
}

func TestRegistryAdoptOrReinstate(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	pair := testPair()

	r := NewRegistry()
	n1, created := r.AdoptOrReinstate(pair, false, func() *Nexus { return New(pair, opts, mgr, sched, 1) })
	require.True(t, created)

	// fresh == false behaves like Adopt: a still-live nexus is joined, not replaced.
	n1Again, created := r.AdoptOrReinstate(pair, false, func() *Nexus { return New(pair, opts, mgr, sched, 1) })
	require.False(t, created)
	require.Same(t, n1, n1Again)
	require.NotEqual(t, StateZombie, n1.State())

	// fresh == true always installs a new nexus and reinstates the old one.
	n2, created := r.AdoptOrReinstate(pair, true, func() *Nexus { return New(pair, opts, mgr, sched, 1) })
	require.True(t, created)
	require.NotSame(t, n1, n2)
	require.Equal(t, StateZombie, n1.State())
	require.Equal(t, CloseReset, n1.closeStatus)

	got, ok := r.Lookup(pair)
	require.True(t, ok)
	require.Same(t, n2, got)
}

func TestLogoutSessionTearsDownNexus(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()

	nA := New(testPair(), opts, mgr, sched, 1)
	localA, remoteA := newTestTransport(t, opts)
	defer localA.Close()
	require.NoError(t, nA.Attach(localA))
	localA.MarkConnected()

	pairB := nA.Pair() // mirror peer's nexus on the other transport endpoint
	nB := New(pairB, opts, mgr, sched, 1)
	require.NoError(t, nB.Attach(remoteA))
	remoteA.MarkConnected()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, nA.LogoutSession(ctx))

	require.Equal(t, StateZombie, nA.State())
	require.Eventually(t, func() bool {
		return nB.State() == StateZombie
	}, time.Second, 5*time.Millisecond)
}
