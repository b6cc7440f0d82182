// Package connector implements the client side of establishing a DSP
// session: dial a chandrv.ByteChannel, drive login.Client over it, and
// attach the resulting transport to a (possibly reinstated) nexus.Nexus
// (spec.md §4.10). Grounded on the teacher's aznet.go Dial, restructured
// around login.Client rather than handing back a raw net.Conn.
package connector

import (
	"context"
	"fmt"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/chandrv"
	"github.com/delphix-oss/dsp/login"
	"github.com/delphix-oss/dsp/manager"
	"github.com/delphix-oss/dsp/nexus"
)

// Config describes one connect attempt.
type Config struct {
	Scheme  string // chandrv driver name, e.g. "tcp" or "azrelay"
	Address string
	Login   login.ClientConfig
	Service dsp.ServiceType

	// IdealTransportCount is the number of simultaneously-attached live
	// transports below which the resulting nexus reports degraded
	// (spec.md §4.5). Defaults to 1 if zero.
	IdealTransportCount int

	// DialOptions are passed through to the chandrv driver's Dial.
	DialOptions []chandrv.Option
}

// Connect dials cfg.Address via the cfg.Scheme driver, completes login,
// and resolves the resulting transport against m's nexus registry.
// cfg.Login.FreshSession decides how: left false (the default), a
// non-ZOMBIE nexus already registered for the same (client,server,service)
// triple is simply joined as another transport — the ordinary
// multi-transport path. Set true, Connect declares this a brand new
// session and reinstates: any such nexus is forced to ZOMBIE with RESET
// status, its pending exchanges abort with NexusReset, and a fresh nexus
// takes its place (spec.md:75, :191). Callers that already hold a
// *nexus.Nexus and just want another transport for it should use Attach
// instead, which never touches the registry at all.
func Connect(ctx context.Context, m *manager.Manager, cfg Config) (*nexus.Nexus, error) {
	driver, ok := chandrv.Lookup(cfg.Scheme)
	if !ok {
		return nil, fmt.Errorf("connector: %w: %q", chandrv.ErrUnsupportedScheme, cfg.Scheme)
	}

	ideal := cfg.IdealTransportCount
	if ideal < 1 {
		ideal = 1
	}

	ch, err := driver.Dial(ctx, cfg.Address, cfg.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dsp.ErrConnectFailure, err)
	}

	if cfg.Login.NexusOptions == nil {
		cfg.Login.NexusOptions = m.Options
	}
	if cfg.Login.TransportOptions == nil {
		cfg.Login.TransportOptions = m.Options
	}

	result, err := login.Client(ctx, ch, cfg.Login)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	pair := dsp.TerminusPair{
		Client:  result.ClientTerminus,
		Server:  dsp.ServerTerminus{Name: cfg.Login.ServerHint, Type: cfg.Service},
		Service: cfg.Service.UUID,
	}

	n, _ := m.Nexuses.AdoptOrReinstate(pair, result.FreshSession, func() *nexus.Nexus {
		return nexus.New(pair, result.NexusOptions, m.Events, m.Scheduler, ideal)
	})

	if err := n.Attach(result.Transport); err != nil {
		_ = result.Transport.Close()
		return nil, err
	}
	result.Transport.Open(ctx)
	result.Transport.MarkConnected()

	return n, nil
}

// Attach dials cfg.Address and logs in exactly like Connect, but joins
// the resulting transport directly to n instead of consulting m's
// registry: the caller already holds n, so there is no fresh-session
// ambiguity to resolve. Used to raise a nexus's live transport count
// toward IdealTransportCount (e.g. from an OnDegraded listener). Forces
// cfg.Login.FreshSession false regardless of what the caller set, since
// an explicit target nexus can never mean "reinstate".
func Attach(ctx context.Context, m *manager.Manager, n *nexus.Nexus, cfg Config) error {
	driver, ok := chandrv.Lookup(cfg.Scheme)
	if !ok {
		return fmt.Errorf("connector: %w: %q", chandrv.ErrUnsupportedScheme, cfg.Scheme)
	}

	ch, err := driver.Dial(ctx, cfg.Address, cfg.DialOptions...)
	if err != nil {
		return fmt.Errorf("%w: %v", dsp.ErrConnectFailure, err)
	}

	if cfg.Login.NexusOptions == nil {
		cfg.Login.NexusOptions = m.Options
	}
	if cfg.Login.TransportOptions == nil {
		cfg.Login.TransportOptions = m.Options
	}
	cfg.Login.FreshSession = false

	result, err := login.Client(ctx, ch, cfg.Login)
	if err != nil {
		_ = ch.Close()
		return err
	}

	if err := n.Attach(result.Transport); err != nil {
		_ = result.Transport.Close()
		return err
	}
	result.Transport.Open(ctx)
	result.Transport.MarkConnected()

	return nil
}
