package nexus

import (
	"context"
	"fmt"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/channel"
	"github.com/delphix-oss/dsp/transport"
	"github.com/delphix-oss/dsp/wire"
)

// Handler answers one command's payload with a response payload or an
// error (spec.md §3's Request/Response, carried as the opaque `Payload`
// bytes of a CommandRequest/CommandResponse).
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// liveTransportLocked returns an arbitrary live transport to originate
// a command on. Must be called with n.mu held.
func (n *Nexus) liveTransportLocked() *transport.Transport {
	for t, at := range n.transports {
		if at.live {
			return t
		}
	}
	return nil
}

// CommandHandle identifies one in-flight command well enough for a
// later AbortFore/AbortBack call to target it: the exchange it was sent
// as, its slot identity, and the transport it was sent on (spec.md §4.2
// requires an abort to reference its target "on the same transport").
type CommandHandle struct {
	Transport *transport.Transport
	Exchange  wire.ExchangeID
	SlotID    wire.SlotID
	SlotSN    wire.SlotSN
}

// execute originates one command through half against tagReq/tagResp,
// implementing the client side of spec.md §3's data flow: "the client
// channel assigns a command sequence and a slot, hands the resulting
// Exchange to a transport". If the transport a command is in flight on
// resets before the response arrives, execute automatically retransmits
// it on the next live transport using the same slot (re-bumped via
// half.Slots.Retry, not released and reacquired) rather than surfacing
// the raw reset — spec.md §8 Scenario 2, "slot reuse after reset". If
// the whole session reaches ZOMBIE instead, execute gives up and
// returns dsp.ErrNexusReset (spec.md:314, "session errors surface to
// all pending futures as NexusReset"). onSent, if non-nil, is invoked
// with the command's current handle every time it is (re)sent, before
// execute blocks waiting for the response — giving a concurrent caller
// something to pass to AbortFore/AbortBack.
func (n *Nexus) execute(ctx context.Context, half *channel.ClientHalf, tagReq, tagResp wire.Tag, payload []byte, onSent func(CommandHandle)) ([]byte, error) {
	slot, err := half.Slots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if th := half.Throttle(); th != nil {
		if err := th.Consume(ctx, float64(len(payload))); err != nil {
			return nil, err
		}
	}
	sn, err := half.Window.Assign(ctx)
	if err != nil {
		return nil, err
	}

	for {
		t, err := n.waitForLiveTransport(ctx)
		if err != nil {
			return nil, err
		}

		_, expected, max := half.Window.Snapshot()
		id, ch, err := t.Send(tagReq, &wire.CommandRequestBody{
			SlotID:            slot.ID,
			SlotSN:            slot.SN,
			CommandSN:         sn,
			ExpectedCommandSN: expected,
			MaxCommandSN:      max,
			Payload:           payload,
		})
		if err != nil {
			// The transport died between the wait and the write; retry
			// on whichever transport comes up live next.
			slot.SN = half.Slots.Retry(slot.ID)
			continue
		}
		if onSent != nil {
			onSent(CommandHandle{Transport: t, Exchange: id, SlotID: slot.ID, SlotSN: slot.SN})
		}

		select {
		case resp, ok := <-ch:
			if !ok {
				if n.State() == StateZombie {
					return nil, dsp.ErrNexusReset
				}
				slot.SN = half.Slots.Retry(slot.ID)
				continue
			}
			cr, ok := resp.(*wire.CommandResponseBody)
			if !ok {
				return nil, fmt.Errorf("nexus: unexpected command response type %T", resp)
			}
			half.Window.Advance(cr.ExpectedCommandSN, cr.MaxCommandSN)
			half.Slots.Release(slot.ID)
			if cr.Status != wire.StatusSuccess {
				return nil, fmt.Errorf("nexus: command failed: status=%v", cr.Status)
			}
			return cr.Payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// abort sends a TaskMgmt request targeting handle, declaring the
// target command as this exchange's transport dependency so the
// transport never delivers the abort's completion before the command's
// own (spec.md §4.2's weak-ordering guarantee; transport.SendDependent
// implements the cascade). Per spec.md §3, the server replies
// `aborted` or `already-complete`; both surface here as a nil error —
// "already-complete" just means the abort lost the race, which is not
// itself a failure.
func (n *Nexus) abort(ctx context.Context, handle CommandHandle) error {
	if handle.Transport == nil {
		return fmt.Errorf("nexus: abort: empty command handle")
	}
	_, ch, err := handle.Transport.SendDependent(wire.TagTaskMgmtRequest, &wire.TaskMgmtRequestBody{
		TargetExchangeID: handle.Exchange,
		TargetSlotID:     handle.SlotID,
		TargetSlotSN:     handle.SlotSN,
	}, handle.Exchange)
	if err != nil {
		return err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			if n.State() == StateZombie {
				return dsp.ErrNexusReset
			}
			return fmt.Errorf("nexus: transport closed before abort response")
		}
		if _, ok := resp.(*wire.TaskMgmtResponseBody); !ok {
			return fmt.Errorf("nexus: unexpected abort response type %T", resp)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleTaskMgmtRequest answers a peer's abort request against
// whichever of t's local server halves (fore or back) owns the
// targeted slot. See channel.SlotCache.Abort for why this is
// best-effort against a command already executing.
func (n *Nexus) handleTaskMgmtRequest(t *transport.Transport) func(wire.ExchangeID, wire.Body) {
	return func(id wire.ExchangeID, body wire.Body) {
		req, ok := body.(*wire.TaskMgmtRequestBody)
		if !ok {
			return
		}
		status := wire.StatusFailure
		if n.Fore.Server.Cache.Abort(req.TargetSlotID, req.TargetSlotSN, wire.StatusAborted) ||
			n.Back.Server.Cache.Abort(req.TargetSlotID, req.TargetSlotSN, wire.StatusAborted) {
			status = wire.StatusSuccess
		}
		_ = t.Reply(id, wire.TagTaskMgmtResponse, &wire.TaskMgmtResponseBody{Status: status})
	}
}

// serve wires fn as tagReq's handler on t, answering through half's
// slot cache dispatch protocol and replying with tagResp, implementing
// the server side of spec.md §3's data flow: "the server channel
// re-sequences [commands], dispatches to the application, and returns
// a Response". Commands run synchronously on t's read-loop goroutine so
// the commandSN delivery order spec.md §4.4 requires holds even when
// two different attached transports race to deliver to the same
// half.Cache; this trades per-transport handler concurrency for that
// ordering guarantee, in lieu of a separate per-nexus application
// executor pool (spec.md §5) this package does not yet build.
func (n *Nexus) serve(t *transport.Transport, half *channel.ServerHalf, tagReq, tagResp wire.Tag, fn Handler) {
	t.RegisterHandler(tagReq, func(id wire.ExchangeID, body wire.Body) {
		req, ok := body.(*wire.CommandRequestBody)
		if !ok {
			return
		}
		verdict, cached := half.Cache.Offer(req.SlotID, req.SlotSN)
		switch verdict {
		case channel.DispatchStale, channel.DispatchDuplicate:
			return
		case channel.DispatchReplay:
			if resp, ok := cached.(*wire.CommandResponseBody); ok {
				_ = t.Reply(id, tagResp, resp)
			}
			return
		case channel.DispatchExecute:
			half.Cache.Deliver(req.CommandSN, func() {
				respPayload, err := fn(context.Background(), req.Payload)
				status := wire.StatusSuccess
				if err != nil {
					status = wire.StatusFailure
					respPayload = nil
				}
				expected, max := half.Cache.Window().Snapshot()
				resp := &wire.CommandResponseBody{
					SlotID:            req.SlotID,
					SlotSN:            req.SlotSN,
					CommandSN:         req.CommandSN,
					ExpectedCommandSN: expected,
					MaxCommandSN:      max,
					Status:            status,
					Payload:           respPayload,
				}
				half.Cache.Complete(req.SlotID, req.SlotSN, resp)
				_ = t.Reply(id, tagResp, resp)
			})
		}
	})
}

// ExecuteFore sends payload as a fore-channel command (spec.md §3:
// "fore: client-initiated commands") and returns the peer's response
// payload.
func (n *Nexus) ExecuteFore(ctx context.Context, payload []byte) ([]byte, error) {
	return n.execute(ctx, n.Fore.Client, wire.TagCommandRequest, wire.TagCommandResponse, payload, nil)
}

// ExecuteForeCancelable behaves like ExecuteFore, but calls onSent with
// the command's handle as soon as it is on the wire, before blocking
// for the response — letting a concurrent caller pass that handle to
// AbortFore to request cancellation (spec.md §3's
// ServiceFuture.cancel(true)) before the response arrives.
func (n *Nexus) ExecuteForeCancelable(ctx context.Context, payload []byte, onSent func(CommandHandle)) ([]byte, error) {
	return n.execute(ctx, n.Fore.Client, wire.TagCommandRequest, wire.TagCommandResponse, payload, onSent)
}

// AbortFore requests cancellation of an in-flight fore command
// identified by handle (as captured via ExecuteForeCancelable).
func (n *Nexus) AbortFore(ctx context.Context, handle CommandHandle) error {
	return n.abort(ctx, handle)
}

// HandleFore registers fn to answer fore-channel commands arriving on
// every transport attached so far or in the future.
func (n *Nexus) HandleFore(fn Handler) {
	n.mu.Lock()
	n.foreHandler = fn
	snap := n.transportsSnapshotLocked()
	n.mu.Unlock()
	for _, t := range snap {
		n.serve(t, n.Fore.Server, wire.TagCommandRequest, wire.TagCommandResponse, fn)
	}
}

// ExecuteBack sends payload as a back-channel command (spec.md §3:
// "back: server-initiated commands") — used by the accepting side of a
// session to push a request toward the side that dialed.
func (n *Nexus) ExecuteBack(ctx context.Context, payload []byte) ([]byte, error) {
	return n.execute(ctx, n.Back.Client, wire.TagBackCommandRequest, wire.TagBackCommandResponse, payload, nil)
}

// ExecuteBackCancelable is ExecuteBack's counterpart to
// ExecuteForeCancelable.
func (n *Nexus) ExecuteBackCancelable(ctx context.Context, payload []byte, onSent func(CommandHandle)) ([]byte, error) {
	return n.execute(ctx, n.Back.Client, wire.TagBackCommandRequest, wire.TagBackCommandResponse, payload, onSent)
}

// AbortBack is AbortFore's counterpart for back-channel commands.
func (n *Nexus) AbortBack(ctx context.Context, handle CommandHandle) error {
	return n.abort(ctx, handle)
}

// HandleBack registers fn to answer back-channel commands, symmetric to
// HandleFore. It uses a distinct pair of wire tags from HandleFore so
// that a single transport can carry both directions without one
// handler registration overwriting the other.
func (n *Nexus) HandleBack(fn Handler) {
	n.mu.Lock()
	n.backHandler = fn
	snap := n.transportsSnapshotLocked()
	n.mu.Unlock()
	for _, t := range snap {
		n.serve(t, n.Back.Server, wire.TagBackCommandRequest, wire.TagBackCommandResponse, fn)
	}
}
