package nexus

import (
	"context"
	"fmt"
	"sync"
	"time"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/channel"
	"github.com/delphix-oss/dsp/control"
	"github.com/delphix-oss/dsp/event"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/schedule"
	"github.com/delphix-oss/dsp/transport"
	"github.com/delphix-oss/dsp/wire"
)

// attachedTransport is the bookkeeping a Nexus keeps per transport.Transport
// it has adopted: whether the transport has completed login (live) and the
// control-plane server answering stats/info RPCs over it.
type attachedTransport struct {
	live bool
	ctrl *control.Server
}

// Nexus aggregates one or more transport.Transport connections between
// the same (client,server) pair within a service into a single logical,
// recoverable session (spec.md §4.5). It hosts the fore/back channel
// pair commands flow over and drives the session state machine off its
// transports' connected/disconnected/closed notifications.
type Nexus struct {
	pair dsp.TerminusPair

	sched     *schedule.Scheduler
	listeners *event.Listeners

	mu              sync.Mutex
	state           State
	everOpened      bool
	degraded        bool
	closeStatus     CloseStatus
	idealTransports int
	transports      map[*transport.Transport]*attachedTransport
	recovery        schedule.Handle
	recoveryTimeout time.Duration
	logoutTimeout   time.Duration
	adapters        map[Listener]*listenerAdapter
	foreHandler     Handler
	backHandler     Handler

	// liveChanged is closed and replaced every time the live-transport
	// set or session state might have changed, letting execute's retry
	// loop block efficiently for a fresh live transport (spec.md §8
	// Scenario 2: "slot reuse after reset") instead of busy-polling.
	liveChanged chan struct{}

	Fore *channel.Fore
	Back *channel.Back
}

// New creates a FREE Nexus for pair. idealTransportCount is the number
// of simultaneously-attached live transports below which the session is
// considered degraded (spec.md §4.5: "isDegraded = LOGGED_IN &&
// live_transport_count < ideal").
func New(pair dsp.TerminusPair, opts *options.Registry, mgr *event.Manager, sched *schedule.Scheduler, idealTransportCount int) *Nexus {
	if idealTransportCount < 1 {
		idealTransportCount = 1
	}
	n := &Nexus{
		pair:            pair,
		sched:           sched,
		idealTransports: idealTransportCount,
		transports:      make(map[*transport.Transport]*attachedTransport),
		adapters:        make(map[Listener]*listenerAdapter),
		recoveryTimeout: options.Duration(opts.GetInt(options.RecoveryTimeout)),
		logoutTimeout:   options.Duration(opts.GetInt(options.LogoutTimeout)),
		liveChanged:     make(chan struct{}),
		Fore:            channel.NewFore(opts, sched),
		Back:            channel.NewBack(opts, sched),
	}
	n.listeners = event.NewListeners(mgr, fmt.Sprintf("nexus:%s", pair.Client.UUID))
	return n
}

// Pair returns the (client,server,service) key this Nexus was created for.
func (n *Nexus) Pair() dsp.TerminusPair { return n.pair }

// State returns the current session state.
func (n *Nexus) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// IsDegraded reports whether the session is LOGGED_IN with fewer live
// transports than its ideal count.
func (n *Nexus) IsDegraded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.degraded
}

// Transports returns a snapshot of the currently attached transports.
func (n *Nexus) Transports() []*transport.Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transportsSnapshotLocked()
}

func (n *Nexus) transportsSnapshotLocked() []*transport.Transport {
	out := make([]*transport.Transport, 0, len(n.transports))
	for t := range n.transports {
		out = append(out, t)
	}
	return out
}

// notifyLiveChangedLocked wakes every waitForLiveTransport call blocked
// on this Nexus. Must be called with n.mu held, after the state change
// it reports has already been applied.
func (n *Nexus) notifyLiveChangedLocked() {
	close(n.liveChanged)
	n.liveChanged = make(chan struct{})
}

// waitForLiveTransport blocks until this Nexus has a live transport to
// send on, the session reaches ZOMBIE (returning dsp.ErrNexusReset), or
// ctx is done. Used by execute's retry loop so a command survives its
// original transport resetting mid-flight (spec.md §8 Scenario 2).
func (n *Nexus) waitForLiveTransport(ctx context.Context) (*transport.Transport, error) {
	for {
		n.mu.Lock()
		if n.state == StateZombie {
			n.mu.Unlock()
			return nil, dsp.ErrNexusReset
		}
		if t := n.liveTransportLocked(); t != nil {
			n.mu.Unlock()
			return t, nil
		}
		wake := n.liveChanged
		n.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (n *Nexus) liveCountLocked() int {
	live := 0
	for _, at := range n.transports {
		if at.live {
			live++
		}
	}
	return live
}

// PeerInfo implements control.InfoProvider, letting this Nexus answer
// its peer's GetPeerInfo control-plane RPC over any attached transport.
func (n *Nexus) PeerInfo() control.PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return control.PeerInfo{
		ServerTerminusName: n.pair.Server.Name,
		ClientTerminusName: n.pair.Client.Name,
	}
}

// Attach adopts t into this Nexus: it wires the control plane, registers
// a LogoutRequest handler, and subscribes to t's lifecycle so login
// completion and loss drive the session state machine. It returns
// dsp.ErrNexusReset if this Nexus has already been reinstated.
func (n *Nexus) Attach(t *transport.Transport) error {
	n.mu.Lock()
	if n.state == StateZombie {
		n.mu.Unlock()
		return dsp.ErrNexusReset
	}
	n.transports[t] = &attachedTransport{}
	if n.state == StateFree {
		n.state = StateActive
	}
	n.mu.Unlock()

	ctrl := control.NewServer(t, n)
	n.mu.Lock()
	if at, ok := n.transports[t]; ok {
		at.ctrl = ctrl
	}
	n.mu.Unlock()

	t.RegisterHandler(wire.TagLogoutRequest, n.handleLogoutRequest(t))
	t.RegisterHandler(wire.TagTaskMgmtRequest, n.handleTaskMgmtRequest(t))

	n.mu.Lock()
	fore, back := n.foreHandler, n.backHandler
	n.mu.Unlock()
	if fore != nil {
		n.serve(t, n.Fore.Server, wire.TagCommandRequest, wire.TagCommandResponse, fore)
	}
	if back != nil {
		n.serve(t, n.Back.Server, wire.TagBackCommandRequest, wire.TagBackCommandResponse, back)
	}

	t.AddListener(n)
	return nil
}

// OnOpen implements transport.Listener. Raw byte-channel readiness
// doesn't by itself move the session state machine; that happens at
// OnConnected, once login has fully completed.
func (n *Nexus) OnOpen(t *transport.Transport) {}

// OnConnected implements transport.Listener: marks t live and, the
// first time any transport reaches this point, transitions
// FREE/ACTIVE → LOGGED_IN (spec.md §4.5).
func (n *Nexus) OnConnected(t *transport.Transport) {
	n.mu.Lock()
	at, ok := n.transports[t]
	if !ok {
		n.mu.Unlock()
		return
	}
	at.live = true
	opened := false
	if n.state == StateFree || n.state == StateActive {
		n.state = StateLoggedIn
		n.everOpened = true
		opened = true
	}
	n.notifyLiveChangedLocked()
	n.mu.Unlock()

	if opened {
		n.listeners.Broadcast(openedEvent{})
	}
	n.recheck()
}

// OnDisconnected implements transport.Listener: marks t no longer live
// and re-evaluates the session state machine.
func (n *Nexus) OnDisconnected(t *transport.Transport, err error) {
	n.mu.Lock()
	if at, ok := n.transports[t]; ok {
		at.live = false
	}
	n.notifyLiveChangedLocked()
	n.mu.Unlock()
	n.recheck()
}

// OnClosed implements transport.Listener: forgets t entirely and
// re-evaluates the session state machine.
func (n *Nexus) OnClosed(t *transport.Transport, err error) {
	n.mu.Lock()
	delete(n.transports, t)
	n.notifyLiveChangedLocked()
	n.mu.Unlock()
	n.recheck()
}

// recheck re-evaluates state transitions that depend on the live/total
// transport counts: LOGGED_IN↔FAILED, degraded/recovered, and the
// ACTIVE→ZOMBIE "all connect attempts failed" path. It never calls into
// a transport while holding n.mu, so it cannot deadlock against a
// transport's own listener callback re-entering this Nexus.
func (n *Nexus) recheck() {
	n.mu.Lock()
	live := n.liveCountLocked()
	total := len(n.transports)

	var events []any
	switch n.state {
	case StateActive:
		if total == 0 {
			n.state = StateZombie
			n.closeStatus = CloseAllAttemptsFailed
			events = append(events, closedEvent{status: n.closeStatus})
		}
	case StateLoggedIn:
		if live == 0 {
			n.state = StateFailed
			n.startRecoveryLocked()
		} else if isDeg := live < n.idealTransports; isDeg != n.degraded {
			n.degraded = isDeg
			if isDeg {
				events = append(events, degradedEvent{})
			} else {
				events = append(events, recoveredEvent{})
			}
		}
	case StateFailed:
		if live > 0 {
			n.state = StateLoggedIn
			n.cancelRecoveryLocked()
			n.degraded = live < n.idealTransports
			events = append(events, recoveredEvent{})
			if n.degraded {
				events = append(events, degradedEvent{})
			}
		}
	}

	var toClose []*transport.Transport
	if n.state == StateZombie {
		toClose = n.transportsSnapshotLocked()
	}
	n.notifyLiveChangedLocked()
	n.mu.Unlock()

	for _, e := range events {
		n.listeners.Broadcast(e)
	}
	for _, t := range toClose {
		t.Close()
	}
}

func (n *Nexus) startRecoveryLocked() {
	n.recovery = n.sched.Schedule(n.onRecoveryTimeout, n.recoveryTimeout)
}

func (n *Nexus) cancelRecoveryLocked() {
	n.recovery.Cancel()
}

func (n *Nexus) onRecoveryTimeout() {
	n.mu.Lock()
	if n.state != StateFailed {
		n.mu.Unlock()
		return
	}
	n.state = StateZombie
	n.closeStatus = CloseRecoveryTimeout
	toClose := n.transportsSnapshotLocked()
	n.notifyLiveChangedLocked()
	n.mu.Unlock()

	n.listeners.Broadcast(closedEvent{status: CloseRecoveryTimeout})
	for _, t := range toClose {
		t.Close()
	}
}

// transitionZombie forces the session to ZOMBIE with status, closing
// every attached transport. It is idempotent.
func (n *Nexus) transitionZombie(status CloseStatus) {
	n.mu.Lock()
	if n.state == StateZombie {
		n.mu.Unlock()
		return
	}
	n.state = StateZombie
	n.closeStatus = status
	n.cancelRecoveryLocked()
	toClose := n.transportsSnapshotLocked()
	n.notifyLiveChangedLocked()
	n.mu.Unlock()

	n.listeners.Broadcast(closedEvent{status: status})
	for _, t := range toClose {
		t.Close()
	}
}

// handleLogoutRequest answers a peer-initiated LogoutRequest arriving
// on t. A SESSION-scoped request tears down the whole Nexus; a
// TRANSPORT-scoped one only closes t (spec.md §4.5).
func (n *Nexus) handleLogoutRequest(t *transport.Transport) func(wire.ExchangeID, wire.Body) {
	return func(id wire.ExchangeID, body wire.Body) {
		req, _ := body.(*wire.LogoutRequestBody)
		_ = t.Reply(id, wire.TagLogoutResponse, &wire.LogoutResponseBody{Status: wire.StatusSuccess})
		if req != nil && req.Scope == wire.LogoutSession {
			n.transitionZombie(CloseNormal)
			return
		}
		t.Close()
	}
}

// LogoutTransport requests a TRANSPORT-scoped logout on t and closes it
// once the peer acknowledges (or ctx expires).
func (n *Nexus) LogoutTransport(ctx context.Context, t *transport.Transport) error {
	_, ch, err := t.Send(wire.TagLogoutRequest, &wire.LogoutRequestBody{Scope: wire.LogoutTransport})
	if err != nil {
		return fmt.Errorf("%w: %v", dsp.ErrLogoutFailed, err)
	}
	select {
	case _, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: transport closed before response", dsp.ErrLogoutFailed)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", dsp.ErrLogoutFailed, ctx.Err())
	}
	return t.Close()
}

// LogoutSession performs a SESSION-scoped logout: it requests logout on
// one attached transport, bounded by LogoutTimeout, then tears the
// whole Nexus down (spec.md §4.5: "session-wide logout drains channels
// with negotiated timeout then tears down transports").
func (n *Nexus) LogoutSession(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateLoggedIn && n.state != StateFailed {
		n.mu.Unlock()
		return dsp.ErrNotLoggedIn
	}
	snap := n.transportsSnapshotLocked()
	timeout := n.logoutTimeout
	n.mu.Unlock()

	var primary *transport.Transport
	for _, t := range snap {
		primary = t
		break
	}
	if primary == nil {
		n.transitionZombie(CloseNormal)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, ch, err := primary.Send(wire.TagLogoutRequest, &wire.LogoutRequestBody{Scope: wire.LogoutSession})
	if err != nil {
		return fmt.Errorf("%w: %v", dsp.ErrLogoutFailed, err)
	}
	select {
	case _, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: transport closed before response", dsp.ErrLogoutFailed)
		}
	case <-ctx.Done():
		n.transitionZombie(CloseNormal)
		return fmt.Errorf("%w: %v", dsp.ErrLogoutFailed, ctx.Err())
	}

	n.transitionZombie(CloseNormal)
	return nil
}

// AddListener subscribes l, immediately delivering a synthetic
// notification reflecting the session's state at subscribe time.
func (n *Nexus) AddListener(l Listener) {
	n.mu.Lock()
	snap := snapshotEvent{
		opened:   n.everOpened,
		degraded: n.degraded,
		closed:   n.state == StateZombie,
		status:   n.closeStatus,
	}
	adapter := &listenerAdapter{l: l, n: n}
	n.adapters[l] = adapter
	n.mu.Unlock()
	n.listeners.Add(adapter, snap)
}

// RemoveListener unsubscribes l, blocking until any in-flight dispatch
// to it has completed.
func (n *Nexus) RemoveListener(l Listener) {
	n.mu.Lock()
	adapter, ok := n.adapters[l]
	delete(n.adapters, l)
	n.mu.Unlock()
	if ok {
		n.listeners.Remove(adapter)
	}
}
