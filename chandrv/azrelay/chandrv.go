package azrelay

import (
	"context"
	"fmt"

	"github.com/delphix-oss/dsp/chandrv"
)

func init() { chandrv.Register("azrelay", &chandrvDriver{}) }

type relayConfig struct {
	backend string // "blob", "queue", or "table"; defaults to "blob"
	opts    []RelayOption
}

func defaultRelayConfig() *relayConfig { return &relayConfig{backend: blobBackendName} }

// WithBackend selects the storage service the azrelay driver rendezvous
// through: "blob" (default), "queue", or "table".
func WithBackend(name string) chandrv.Option {
	return func(c any) { c.(*relayConfig).backend = name }
}

// WithRelayOption threads an azrelay.RelayOption (poll cadence, prefixes,
// SAS expiry, ...) through chandrv's generic Option signature.
func WithRelayOption(o RelayOption) chandrv.Option {
	return func(c any) { rc := c.(*relayConfig); rc.opts = append(rc.opts, o) }
}

type chandrvDriver struct{}

func (chandrvDriver) Dial(ctx context.Context, address string, opts ...chandrv.Option) (chandrv.ByteChannel, error) {
	cfg := defaultRelayConfig()
	for _, o := range opts {
		o(cfg)
	}
	relayOpts := append([]RelayOption{WithContext(ctx)}, cfg.opts...)
	return Dial(cfg.backend, address, relayOpts...)
}

func (chandrvDriver) Listen(ctx context.Context, address string, opts ...chandrv.Option) (chandrv.ChannelListener, error) {
	cfg := defaultRelayConfig()
	for _, o := range opts {
		o(cfg)
	}
	relayOpts := append([]RelayOption{WithContext(ctx)}, cfg.opts...)
	l, err := Listen(cfg.backend, address, relayOpts...)
	if err != nil {
		return nil, fmt.Errorf("azrelay: listen: %w", err)
	}
	return &channelListener{l}, nil
}

type channelListener struct{ *RelayListener }

func (l *channelListener) Accept() (chandrv.ByteChannel, error) { return l.RelayListener.Accept() }
