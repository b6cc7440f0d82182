// Package chandrv is the pluggable byte-channel driver registry DSP's
// transport layer dials and listens through. A ByteChannel is whatever a
// driver can turn into an ordered, reliable byte stream — a TCP socket,
// or a relay bounced through a rendezvous store for peers that can't
// reach each other directly. DSP's own framing, TLS upgrade and SASL
// login all run on top of whatever ByteChannel a driver hands back.
//
// The registry shape (Driver/Factory/RegisterFactory) is carried over
// from a net.Conn-building library in the retrieved example pack that
// used exactly this pattern to let callers Dial/Listen by scheme name
// without the caller needing to import every driver.
package chandrv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
)

// ByteChannel is the raw transport DSP frames travel over. It is
// intentionally just net.Conn: drivers that need deadlines (TLS
// upgrade, idle detection) get them, and both stdlib net.Conn and the
// relay driver's encrypted channel already satisfy it.
type ByteChannel = net.Conn

// Driver constructs ByteChannels for one scheme (e.g. "tcp", "azrelay").
type Driver interface {
	// Dial opens a ByteChannel to address.
	Dial(ctx context.Context, address string, opts ...Option) (ByteChannel, error)
	// Listen starts accepting ByteChannels at address.
	Listen(ctx context.Context, address string, opts ...Option) (ChannelListener, error)
}

// ChannelListener accepts inbound ByteChannels; it is net.Listener
// narrowed to the ByteChannel return type.
type ChannelListener interface {
	Accept() (ByteChannel, error)
	Close() error
	Addr() net.Addr
}

// Option carries driver-specific configuration; each driver defines its
// own concrete option funcs and type-asserts its private config struct.
type Option func(any)

var (
	// ErrUnsupportedScheme is returned when no driver is registered for
	// a requested scheme.
	ErrUnsupportedScheme = errors.New("chandrv: unsupported scheme")
)

var registry = make(map[string]Driver)

// Register adds a driver under scheme. It panics on duplicate
// registration, matching the package-init-time registration pattern
// drivers use (each driver's package init() call runs exactly once).
func Register(scheme string, d Driver) {
	if _, dup := registry[scheme]; dup {
		panic("chandrv: driver already registered for scheme " + scheme)
	}
	registry[scheme] = d
}

// Lookup returns the driver registered for scheme.
func Lookup(scheme string) (Driver, bool) {
	d, ok := registry[scheme]
	return d, ok
}

// Schemes returns the registered scheme names, sorted.
func Schemes() []string {
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dial resolves scheme and dials address through its driver.
func Dial(ctx context.Context, scheme, address string, opts ...Option) (ByteChannel, error) {
	d, ok := Lookup(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return d.Dial(ctx, address, opts...)
}

// Listen resolves scheme and starts listening on address through its
// driver.
func Listen(ctx context.Context, scheme, address string, opts ...Option) (ChannelListener, error) {
	d, ok := Lookup(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return d.Listen(ctx, address, opts...)
}
