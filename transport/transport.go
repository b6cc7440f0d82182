// Package transport is the byte-channel-plus-exchange-bookkeeping layer
// DSP's login and session-channel code run on top of (spec.md §4.2). It
// owns exactly one chandrv.ByteChannel, the wire encode/decode pipeline,
// the outgoing/incoming exchange tables and the open/connected/
// disconnected/closed notification fan-out.
//
// The single-struct, single-mutex bookkeeping style and the exactly-once
// notification guard via sync.Once are carried from the teacher's Conn
// (wmu/rmu/fmu per-concern locking, atomic closed flags).
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/chandrv"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/wire"
)

// Listener receives transport lifecycle notifications. Each method is
// invoked at most once per transition; a listener added after a
// transition has already happened gets a synthetic call reflecting
// current state (spec.md §4.2/§4.7's "initial notification" rule).
type Listener interface {
	OnOpen(t *Transport)
	OnConnected(t *Transport)
	OnDisconnected(t *Transport, err error)
	OnClosed(t *Transport, err error)
}

// Stats is a point-in-time snapshot of a transport's traffic counters.
type Stats struct {
	FramesSent, FramesReceived uint64
	BytesSent, BytesReceived   uint64
	ResetCount                 uint64
}

// pendingExchange is one in-flight request this side is waiting on a
// response for. dep, if nonzero, is another outgoing exchange on the
// same transport that must be reset/completed before this one's
// completion is observable (spec.md §4.2's dependency weak-ordering).
type pendingExchange struct {
	id  wire.ExchangeID
	tag wire.Tag
	ch  chan wire.Body
	dep wire.ExchangeID
}

// Transport multiplexes wire frames over one ByteChannel.
type Transport struct {
	ch   chandrv.ByteChannel
	opts *options.Registry
	enc  *wire.Encoder
	dec  *wire.Decoder

	writeMu sync.Mutex // serializes frame writes onto ch
	readBuf [32 * 1024]byte

	exMu     sync.Mutex
	outgoing map[wire.ExchangeID]*pendingExchange
	// lingerQueue holds exchanges offered via SendDependent after the
	// channel has disconnected but before shutdown has run (spec.md
	// §4.2: "placed on a linger queue so its completion ordering is
	// preserved relative to already-acknowledged peers on the same
	// channel"). They are never written to the wire; shutdown folds
	// them into the same dependency-ordered reset as outgoing.
	lingerQueue []*pendingExchange
	incoming    map[wire.ExchangeID]struct{} // exchanges this side is servicing
	nextID      atomic.Uint64

	handlersMu sync.Mutex
	handlers   map[wire.Tag]func(wire.ExchangeID, wire.Body)

	listenersMu sync.Mutex
	listeners   []Listener

	closeFailsafe time.Duration

	openedOnce       sync.Once
	connectedOnce    sync.Once
	disconnectedOnce sync.Once
	closedOnce       sync.Once

	// disconnected is set as soon as the channel is known broken (the
	// read loop failed); quiesced is set once shutdown has actually run
	// and reset every pending/lingering exchange. send_request consults
	// both per spec.md §4.2: linger while disconnected-not-quiesced,
	// fail with TransportReset once quiesced.
	opened       atomic.Bool
	disconnected atomic.Bool
	quiesced     atomic.Bool
	closed       atomic.Bool

	framesSent, framesReceived uint64
	bytesSent, bytesReceived   uint64
	resetCount                 uint64
}

// New wraps ch in a Transport using opts' pipeline-relevant settings
// (max frame size, digest, compression threshold).
func New(ch chandrv.ByteChannel, opts *options.Registry) *Transport {
	pipeOpts := wire.PipelineOptions{
		MaxFrameSize:         uint32(opts.GetInt(options.MaxFrameSize)),
		CompressionThreshold: uint32(opts.GetInt(options.CompressionThreshold)),
		Digest:               opts.GetBool(options.HeaderDigest) || opts.GetBool(options.DataDigest),
	}
	failsafe := options.Duration(opts.GetInt(options.CloseFailsafeTimeout))

	t := &Transport{
		ch:            ch,
		opts:          opts,
		enc:           wire.NewEncoder(pipeOpts),
		dec:           wire.NewDecoder(pipeOpts),
		outgoing:      make(map[wire.ExchangeID]*pendingExchange),
		incoming:      make(map[wire.ExchangeID]struct{}),
		handlers:      make(map[wire.Tag]func(wire.ExchangeID, wire.Body)),
		closeFailsafe: failsafe,
	}
	return t
}

// AddListener registers l and immediately delivers the notification
// matching current state, per spec.md §4.7's snapshot-at-subscribe rule.
func (t *Transport) AddListener(l Listener) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, l)
	t.listenersMu.Unlock()
	if t.closed.Load() {
		l.OnClosed(t, nil)
	} else if t.opened.Load() {
		l.OnOpen(t)
	}
}

func (t *Transport) notify(fn func(Listener)) {
	t.listenersMu.Lock()
	ls := append([]Listener(nil), t.listeners...)
	t.listenersMu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// Open marks the transport live and starts its read loop. Call once,
// after the login handshake has finished negotiating the pipeline.
func (t *Transport) Open(ctx context.Context) {
	t.openedOnce.Do(func() {
		t.opened.Store(true)
		t.notify(func(l Listener) { l.OnOpen(t) })
	})
	go t.readLoop(ctx)
}

// MarkConnected fires the one-time "connected" notification once the
// login handshake fully completes (spec.md §4.3 end state).
func (t *Transport) MarkConnected() {
	t.connectedOnce.Do(func() { t.notify(func(l Listener) { l.OnConnected(t) }) })
}

// RegisterHandler installs the handler invoked for every inbound frame
// tagged tag that isn't a response to a pending local exchange.
func (t *Transport) RegisterHandler(tag wire.Tag, fn func(wire.ExchangeID, wire.Body)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[tag] = fn
}

// Send assigns a fresh ExchangeID, writes a request frame, and returns
// a channel that receives the matching response body.
func (t *Transport) Send(tag wire.Tag, body wire.Body) (wire.ExchangeID, <-chan wire.Body, error) {
	return t.SendDependent(tag, body, 0)
}

// SendDependent is Send plus a declared dependency: dep is another
// outgoing exchange on this transport (0 for none) whose reset or
// completion must be observed before this exchange's own completion is
// delivered to the caller. Used for TaskMgmt aborts, which declare the
// target command as their dependency so the abort is never observed to
// complete ahead of the command it targets (spec.md §4.2).
//
// If the channel has already disconnected but shutdown hasn't yet run,
// the exchange is placed on the linger queue instead of being written,
// so its ordering relative to already-pending exchanges is preserved
// when shutdown resets everything. Once shutdown has actually run
// (quiesced), SendDependent fails with dsp.ErrTransportReset instead.
func (t *Transport) SendDependent(tag wire.Tag, body wire.Body, dep wire.ExchangeID) (wire.ExchangeID, <-chan wire.Body, error) {
	if t.quiesced.Load() {
		return 0, nil, fmt.Errorf("%w: transport quiesced", dsp.ErrTransportReset)
	}

	id := wire.ExchangeID(t.nextID.Add(1))
	ch := make(chan wire.Body, 1)
	pe := &pendingExchange{id: id, tag: tag, ch: ch, dep: dep}

	t.exMu.Lock()
	if t.quiesced.Load() {
		t.exMu.Unlock()
		return 0, nil, fmt.Errorf("%w: transport quiesced", dsp.ErrTransportReset)
	}
	if t.disconnected.Load() {
		t.lingerQueue = append(t.lingerQueue, pe)
		t.exMu.Unlock()
		return id, ch, nil
	}
	t.outgoing[id] = pe
	t.exMu.Unlock()

	if err := t.writeFrame(tag, id, body); err != nil {
		t.exMu.Lock()
		delete(t.outgoing, id)
		t.exMu.Unlock()
		return 0, nil, err
	}
	return id, ch, nil
}

// Reply writes a response frame for an exchange this side is servicing.
func (t *Transport) Reply(id wire.ExchangeID, tag wire.Tag, body wire.Body) error {
	return t.writeFrame(tag, id, body)
}

func (t *Transport) writeFrame(tag wire.Tag, id wire.ExchangeID, body wire.Body) error {
	payload := wire.EncodeExchange(id, body)

	var buf bytes.Buffer
	if err := t.enc.Encode(&buf, tag, payload); err != nil {
		return err
	}

	t.writeMu.Lock()
	_, err := t.ch.Write(buf.Bytes())
	t.writeMu.Unlock()
	if err == nil {
		atomic.AddUint64(&t.framesSent, 1)
		atomic.AddUint64(&t.bytesSent, uint64(buf.Len()))
	}
	return err
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		n, err := t.ch.Read(t.readBuf[:])
		if n > 0 {
			t.dec.Feed(t.readBuf[:n])
			atomic.AddUint64(&t.bytesReceived, uint64(n))
			for {
				frame, ferr := t.dec.Next()
				if ferr != nil {
					if errors.Is(ferr, wire.ErrShortRead) {
						break
					}
					t.fail(ferr)
					return
				}
				if frame == nil {
					break
				}
				t.dispatch(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				t.fail(err)
				return
			}
			t.fail(err)
			return
		}
	}
}

func (t *Transport) dispatch(frame *wire.Frame) {
	id, body, err := wire.DecodeExchange(frame.Tag, frame.Payload)
	if err != nil {
		return
	}
	atomic.AddUint64(&t.framesReceived, 1)

	t.exMu.Lock()
	pending, ok := t.outgoing[id]
	var dep *pendingExchange
	if ok {
		delete(t.outgoing, id)
		if pending.dep != 0 {
			if d, dok := t.outgoing[pending.dep]; dok {
				delete(t.outgoing, pending.dep)
				dep = d
			}
		}
	}
	t.exMu.Unlock()

	// The dependency's reset must be observable before this exchange's
	// own completion (spec.md §4.2's ordering guarantee).
	if dep != nil {
		close(dep.ch)
	}

	if ok {
		pending.ch <- body
		close(pending.ch)
		return
	}

	t.handlersMu.Lock()
	h := t.handlers[frame.Tag]
	t.handlersMu.Unlock()
	if h != nil {
		h(id, body)
	}
}

func (t *Transport) fail(err error) {
	t.disconnected.Store(true)
	t.disconnectedOnce.Do(func() { t.notify(func(l Listener) { l.OnDisconnected(t, err) }) })
	t.Close()
}

// Close shuts the channel down and fires OnClosed exactly once,
// honoring the close-failsafe timer: if the underlying Close call hangs
// longer than CloseFailsafeTimeout, the notification still fires.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.disconnected.Store(true)

	done := make(chan error, 1)
	go func() { done <- t.ch.Close() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(t.closeFailsafe):
		err = errors.New("transport: close failsafe timer expired")
	}

	// shutdown: fold outgoing and lingering exchanges into one set and
	// mark the transport quiesced before releasing the lock, so any
	// SendDependent racing this Close either lands in the set below (if
	// it slipped in before the lock) or sees quiesced and fails with
	// ErrTransportReset (spec.md §4.2's shutdown() contract).
	t.exMu.Lock()
	pending := t.outgoing
	linger := t.lingerQueue
	t.outgoing = nil
	t.lingerQueue = nil
	t.quiesced.Store(true)
	t.exMu.Unlock()

	all := make(map[wire.ExchangeID]*pendingExchange, len(pending)+len(linger))
	for id, p := range pending {
		all[id] = p
	}
	for _, p := range linger {
		all[p.id] = p
	}

	// Reset dependency exchanges before their dependents, so a waiter on
	// a dependent never observes its completion before the dependency's
	// (spec.md §4.2: "Dependency exchanges ... reset before their
	// dependents to preserve weak-ordering").
	isDep := make(map[wire.ExchangeID]bool, len(all))
	for _, p := range all {
		if p.dep != 0 {
			isDep[p.dep] = true
		}
	}
	for id, p := range all {
		if isDep[id] {
			close(p.ch)
		}
	}
	for id, p := range all {
		if !isDep[id] {
			close(p.ch)
		}
	}

	t.closedOnce.Do(func() { t.notify(func(l Listener) { l.OnClosed(t, err) }) })
	return err
}

// Stats returns a snapshot of this transport's traffic counters.
func (t *Transport) Stats() Stats {
	return Stats{
		FramesSent:     atomic.LoadUint64(&t.framesSent),
		FramesReceived: atomic.LoadUint64(&t.framesReceived),
		BytesSent:      atomic.LoadUint64(&t.bytesSent),
		BytesReceived:  atomic.LoadUint64(&t.bytesReceived),
		ResetCount:     atomic.LoadUint64(&t.resetCount),
	}
}

// ResetStats zeroes the traffic counters and bumps ResetCount, as used
// by the control plane's ResetPeerStats RPC (spec.md §4.8).
func (t *Transport) ResetStats() {
	atomic.StoreUint64(&t.framesSent, 0)
	atomic.StoreUint64(&t.framesReceived, 0)
	atomic.StoreUint64(&t.bytesSent, 0)
	atomic.StoreUint64(&t.bytesReceived, 0)
	atomic.AddUint64(&t.resetCount, 1)
}

// Channel exposes the underlying ByteChannel, e.g. so login can perform
// a TLS upgrade on the raw connection before Open starts the read loop.
func (t *Transport) Channel() chandrv.ByteChannel { return t.ch }
