// Package server implements the listening side of DSP (spec.md §4.10):
// accept chandrv.ByteChannels, drive login.Server over each, and attach
// the resulting transport to a (possibly reinstated) nexus.Nexus.
// Grounded on the teacher's aznet.go Listener/Accept/janitor, with the
// background half-closed-connection sweep replaced by nexus.Nexus's own
// FAILED→ZOMBIE recovery timer (nexus.go), since DSP's liveness
// accounting already happens one layer down.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/chandrv"
	"github.com/delphix-oss/dsp/login"
	"github.com/delphix-oss/dsp/manager"
	"github.com/delphix-oss/dsp/nexus"
)

// Config describes one listening endpoint.
type Config struct {
	Scheme  string
	Address string
	Login   login.ServerConfig
	Service dsp.ServiceType

	// IdealTransportCount, as in connector.Config.
	IdealTransportCount int

	ListenOptions []chandrv.Option

	// OnAttach, if set, is called once per nexus the very first time it
	// is created (not on every reattached transport of an already-known
	// nexus) — the hook a service uses to wire its command handlers via
	// nexus.HandleFore/HandleBack before traffic can arrive.
	OnAttach func(*nexus.Nexus)

	// Logger receives a line per accept failure and per rejected login.
	// A nil Logger uses slog.Default().
	Logger *slog.Logger
}

// Server accepts inbound connections on one chandrv listener and turns
// each into an attached nexus transport.
type Server struct {
	listener chandrv.ChannelListener
	m        *manager.Manager
	cfg      Config
	log      *slog.Logger

	wg sync.WaitGroup
}

// Listen starts listening at cfg.Address via the cfg.Scheme driver. It
// does not accept connections until Serve is called.
func Listen(ctx context.Context, m *manager.Manager, cfg Config) (*Server, error) {
	driver, ok := chandrv.Lookup(cfg.Scheme)
	if !ok {
		return nil, fmt.Errorf("server: %w: %q", chandrv.ErrUnsupportedScheme, cfg.Scheme)
	}
	l, err := driver.Listen(ctx, cfg.Address, cfg.ListenOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dsp.ErrConnectFailure, err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.IdealTransportCount < 1 {
		cfg.IdealTransportCount = 1
	}
	return &Server{listener: l, m: m, cfg: cfg, log: log}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until ctx is cancelled or Accept fails.
// Each accepted channel is handled on its own goroutine; Serve does not
// wait for in-flight logins before returning.
func (s *Server) Serve(ctx context.Context) error {
	for {
		ch, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("server: accept failed", "error", err)
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, ch)
		}()
	}
}

// Close stops accepting new connections. It does not affect nexuses
// already attached from prior accepts.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handle(ctx context.Context, ch chandrv.ByteChannel) {
	cfg := s.cfg.Login
	if cfg.NexusOptions == nil {
		cfg.NexusOptions = s.m.Options
	}
	if cfg.TransportOptions == nil {
		cfg.TransportOptions = s.m.Options
	}

	result, err := login.Server(ctx, ch, cfg)
	if err != nil {
		s.log.Warn("server: login failed", "error", err, "remote", ch.RemoteAddr())
		_ = ch.Close()
		return
	}

	pair := dsp.TerminusPair{
		Client:  result.ClientTerminus,
		Server:  s.cfg.Login.Server,
		Service: s.cfg.Service.UUID,
	}

	// The client's LoginRequest.FreshSession bit (surfaced here as
	// result.FreshSession) is what decides reinstatement versus ordinary
	// multi-transport attach — see nexus.Registry.AdoptOrReinstate.
	n, created := s.m.Nexuses.AdoptOrReinstate(pair, result.FreshSession, func() *nexus.Nexus {
		return nexus.New(pair, result.NexusOptions, s.m.Events, s.m.Scheduler, s.cfg.IdealTransportCount)
	})
	if created && s.cfg.OnAttach != nil {
		s.cfg.OnAttach(n)
	}

	if err := n.Attach(result.Transport); err != nil {
		s.log.Warn("server: attach failed", "error", err, "client", pair.Client)
		_ = result.Transport.Close()
		return
	}
	result.Transport.Open(ctx)
	result.Transport.MarkConnected()
}
