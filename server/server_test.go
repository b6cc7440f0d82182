package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	dsp "github.com/delphix-oss/dsp"
	_ "github.com/delphix-oss/dsp/chandrv/tcp"
	"github.com/delphix-oss/dsp/connector"
	"github.com/delphix-oss/dsp/login"
	"github.com/delphix-oss/dsp/manager"
	"github.com/delphix-oss/dsp/nexus"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/sasl"
	"github.com/delphix-oss/dsp/server"
	"github.com/delphix-oss/dsp/wire"
)

func echoService() dsp.ServiceType {
	return dsp.ServiceType{UUID: uuid.New(), Name: "echo"}
}

func TestConnectAttachesLoggedInNexus(t *testing.T) {
	svc := echoService()
	srvTerminus := dsp.ServerTerminus{UUID: uuid.New(), Name: "srv", Type: svc}

	mechs := sasl.NewRegistry()
	mechs.Register("ANONYMOUS", func() sasl.Mechanism { return sasl.NewAnonymousServer() })

	m := manager.New(options.NewDefaultRegistry(), 4)

	srv, err := server.Listen(context.Background(), m, server.Config{
		Scheme: "tcp",
		Address: "127.0.0.1:0",
		Login: login.ServerConfig{
			Server:     srvTerminus,
			Mechanisms: mechs,
			TLSOffer:   wire.TLSNone,
		},
		Service:             svc,
		IdealTransportCount: 1,
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	var n *nexus.Nexus
	require.Eventually(t, func() bool {
		var dialErr error
		n, dialErr = connector.Connect(context.Background(), m, connector.Config{
			Scheme:  "tcp",
			Address: srv.Addr(),
			Login: login.ClientConfig{
				Client:     dsp.ClientTerminus{UUID: uuid.New(), Name: "cli"},
				ServerHint: "srv",
				Mechanisms: []sasl.Mechanism{sasl.NewAnonymousClient("tester")},
				TLSOffer:   wire.TLSNone,
				Trust:      login.TrustBlind,
			},
			Service:             svc,
			IdealTransportCount: 1,
		})
		return dialErr == nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NotNil(t, n)
	require.Equal(t, nexus.StateLoggedIn, n.State())
	require.Len(t, n.Transports(), 1)
}

func TestAttachJoinsExistingNexusWithoutReinstating(t *testing.T) {
	svc := echoService()
	srvTerminus := dsp.ServerTerminus{UUID: uuid.New(), Name: "srv", Type: svc}

	mechs := sasl.NewRegistry()
	mechs.Register("ANONYMOUS", func() sasl.Mechanism { return sasl.NewAnonymousServer() })

	m := manager.New(options.NewDefaultRegistry(), 4)

	srv, err := server.Listen(context.Background(), m, server.Config{
		Scheme:  "tcp",
		Address: "127.0.0.1:0",
		Login: login.ServerConfig{
			Server:     srvTerminus,
			Mechanisms: mechs,
			TLSOffer:   wire.TLSNone,
		},
		Service:             svc,
		IdealTransportCount: 2,
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	clientUUID := uuid.New()
	clientCfg := connector.Config{
		Scheme:  "tcp",
		Address: "", // filled in below once srv.Addr() is known
		Login: login.ClientConfig{
			Client:     dsp.ClientTerminus{UUID: clientUUID, Name: "cli"},
			ServerHint: "srv",
			Mechanisms: []sasl.Mechanism{sasl.NewAnonymousClient("tester")},
			TLSOffer:   wire.TLSNone,
			Trust:      login.TrustBlind,
		},
		Service:             svc,
		IdealTransportCount: 2,
	}

	var n *nexus.Nexus
	require.Eventually(t, func() bool {
		clientCfg.Address = srv.Addr()
		var dialErr error
		n, dialErr = connector.Connect(context.Background(), m, clientCfg)
		return dialErr == nil
	}, 2*time.Second, 20*time.Millisecond)
	require.NotNil(t, n)
	require.Len(t, n.Transports(), 1)

	clientCfg.Address = srv.Addr()
	require.NoError(t, connector.Attach(context.Background(), m, n, clientCfg))

	require.Equal(t, nexus.StateLoggedIn, n.State())
	require.Len(t, n.Transports(), 2)
}

func TestFreshSessionReinstatesPriorNexus(t *testing.T) {
	svc := echoService()
	srvTerminus := dsp.ServerTerminus{UUID: uuid.New(), Name: "srv", Type: svc}

	mechs := sasl.NewRegistry()
	mechs.Register("ANONYMOUS", func() sasl.Mechanism { return sasl.NewAnonymousServer() })

	m := manager.New(options.NewDefaultRegistry(), 4)

	srv, err := server.Listen(context.Background(), m, server.Config{
		Scheme:  "tcp",
		Address: "127.0.0.1:0",
		Login: login.ServerConfig{
			Server:     srvTerminus,
			Mechanisms: mechs,
			TLSOffer:   wire.TLSNone,
		},
		Service:             svc,
		IdealTransportCount: 1,
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	clientUUID := uuid.New()
	cfg := connector.Config{
		Scheme:  "tcp",
		Login: login.ClientConfig{
			Client:     dsp.ClientTerminus{UUID: clientUUID, Name: "cli"},
			ServerHint: "srv",
			Mechanisms: []sasl.Mechanism{sasl.NewAnonymousClient("tester")},
			TLSOffer:   wire.TLSNone,
			Trust:      login.TrustBlind,
		},
		Service:             svc,
		IdealTransportCount: 1,
	}

	var n1 *nexus.Nexus
	require.Eventually(t, func() bool {
		cfg.Address = srv.Addr()
		var dialErr error
		n1, dialErr = connector.Connect(context.Background(), m, cfg)
		return dialErr == nil
	}, 2*time.Second, 20*time.Millisecond)
	require.NotNil(t, n1)
	require.Equal(t, nexus.StateLoggedIn, n1.State())

	cfg.Login.FreshSession = true
	cfg.Address = srv.Addr()
	n2, err := connector.Connect(context.Background(), m, cfg)
	require.NoError(t, err)
	require.NotSame(t, n1, n2)

	require.Eventually(t, func() bool {
		return n1.State() == nexus.StateZombie
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, nexus.StateLoggedIn, n2.State())
}
