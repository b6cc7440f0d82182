// Package tcp registers chandrv's "tcp" driver: plain or TLS-wrapped
// stdlib net.Conn. DSP's own login handshake performs the TLS upgrade
// decision (spec.md §4.3), so this driver's TLS config is for callers
// that want the whole channel opened as TLS from the first byte
// (mutual-TLS deployments that skip DSP's in-band upgrade entirely).
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/delphix-oss/dsp/chandrv"
)

func init() {
	chandrv.Register("tcp", &driver{})
}

type config struct {
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	keepAlive   time.Duration
}

func defaultConfig() *config {
	return &config{dialTimeout: 30 * time.Second, keepAlive: 30 * time.Second}
}

// WithDialTimeout bounds how long Dial waits for the TCP handshake.
func WithDialTimeout(d time.Duration) chandrv.Option {
	return func(c any) { c.(*config).dialTimeout = d }
}

// WithTLSConfig wraps the raw TCP connection in TLS immediately, before
// DSP's own login handshake runs. Nil (the default) leaves the channel
// in the clear for DSP to upgrade itself.
func WithTLSConfig(tc *tls.Config) chandrv.Option {
	return func(c any) { c.(*config).tlsConfig = tc }
}

// WithKeepAlive sets the OS-level TCP keepalive period. Zero selects the
// net package's default period; a negative value disables keepalive.
func WithKeepAlive(d time.Duration) chandrv.Option {
	return func(c any) { c.(*config).keepAlive = d }
}

func applyOptions(opts []chandrv.Option) *config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

type driver struct{}

func (driver) Dial(ctx context.Context, address string, opts ...chandrv.Option) (chandrv.ByteChannel, error) {
	cfg := applyOptions(opts)

	dialer := &net.Dialer{Timeout: cfg.dialTimeout, KeepAlive: cfg.keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if cfg.tlsConfig != nil {
		tlsConn := tls.Client(conn, cfg.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

func (driver) Listen(ctx context.Context, address string, opts ...chandrv.Option) (chandrv.ChannelListener, error) {
	cfg := applyOptions(opts)

	lc := net.ListenConfig{KeepAlive: cfg.keepAlive}
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if cfg.tlsConfig != nil {
		l = tls.NewListener(l, cfg.tlsConfig)
	}
	return &listener{Listener: l}, nil
}

type listener struct{ net.Listener }

func (l *listener) Accept() (chandrv.ByteChannel, error) { return l.Listener.Accept() }
