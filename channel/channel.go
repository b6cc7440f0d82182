package channel

import (
	"time"

	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/schedule"
	"github.com/delphix-oss/dsp/wire"
)

const throttleRefillInterval = 100 * time.Millisecond

// ClientHalf is the originating side of one direction of a session
// channel: a slot table to lease slot identities from, a sender Window
// tracking the receiver's advertised credit, and an optional Throttle.
type ClientHalf struct {
	Slots  *SlotTable
	Window *Window

	throttle *Throttle // nil when ThrottleRate option is 0 (disabled)
}

// ServerHalf is the accepting side: a slot cache that performs the
// duplicate/replay dispatch protocol and buffers out-of-order arrivals
// until they can be delivered to the application in commandSN order.
type ServerHalf struct {
	Cache *SlotCache
}

// NewClientHalf builds a ClientHalf sized from opts' commandWindowSize
// and, if throttleRate (bytes/sec) is non-zero, a token-bucket throttle
// refilled by s.
func NewClientHalf(opts *options.Registry, s *schedule.Scheduler) *ClientHalf {
	size := opts.GetInt(options.CommandWindowSize)
	h := &ClientHalf{
		Slots:  NewSlotTable(size),
		Window: NewWindow(0, wire.CommandSN(size-1)),
	}
	if rate := opts.GetInt(options.ThrottleRate); rate > 0 {
		capacity := float64(rate) // one second's worth of tokens as burst capacity
		h.throttle = NewThrottle(s, float64(rate), capacity, throttleRefillInterval)
	}
	return h
}

// Throttle returns the half's token-bucket limiter, or nil if disabled.
func (h *ClientHalf) Throttle() *Throttle { return h.throttle }

// Close releases resources the half owns (currently just the throttle's
// refill tick).
func (h *ClientHalf) Close() {
	if h.throttle != nil {
		h.throttle.Close()
	}
}

// NewServerHalf builds a ServerHalf sized from opts' commandWindowSize.
func NewServerHalf(opts *options.Registry) *ServerHalf {
	size := opts.GetInt(options.CommandWindowSize)
	return &ServerHalf{Cache: NewSlotCache(size, uint32(size))}
}

// Fore is the fore channel (client → server commands): this side's
// ClientHalf originates commands against the peer's ServerHalf.
type Fore struct {
	Client *ClientHalf
	Server *ServerHalf
}

// Back is the back channel (server → client commands): symmetric to
// Fore but in the opposite direction — the roles reverse because a DSP
// session is a bidirectional RPC runtime (spec.md §3: "Two channels per
// nexus: fore ... and back").
type Back struct {
	Client *ClientHalf
	Server *ServerHalf
}

// NewFore builds a Fore channel's local halves: the ClientHalf this
// side uses to originate commands, and the ServerHalf this side uses to
// accept them when acting as the fore direction's terminus.
func NewFore(opts *options.Registry, s *schedule.Scheduler) *Fore {
	return &Fore{Client: NewClientHalf(opts, s), Server: NewServerHalf(opts)}
}

// NewBack builds a Back channel's local halves, symmetric to NewFore.
func NewBack(opts *options.Registry, s *schedule.Scheduler) *Back {
	return &Back{Client: NewClientHalf(opts, s), Server: NewServerHalf(opts)}
}
