package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/transport"
	"github.com/delphix-oss/dsp/wire"
)

type staticInfo PeerInfo

func (s staticInfo) PeerInfo() PeerInfo { return PeerInfo(s) }

func newPipePair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	c1, c2 := net.Pipe()
	opts := options.NewDefaultRegistry()
	a := transport.New(c1, opts)
	b := transport.New(c2, opts)
	a.Open(context.Background())
	b.Open(context.Background())
	return a, b
}

func TestGetPeerStatsRoundTrip(t *testing.T) {
	clientT, serverT := newPipePair(t)
	defer clientT.Close()
	defer serverT.Close()

	NewServer(serverT, nil)
	opts := options.NewDefaultRegistry()
	client := NewClient(clientT, opts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	serverT.RegisterHandler(wire.TagPingRequest, func(id wire.ExchangeID, _ wire.Body) {
		_ = serverT.Reply(id, wire.TagPingResponse, &wire.PingResponseBody{})
	})
	_, respCh, err := clientT.Send(wire.TagPingRequest, &wire.PingRequestBody{})
	require.NoError(t, err)
	<-respCh

	stats, err := client.GetPeerStats(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.FramesIn, uint64(1))
}

func TestResetPeerStats(t *testing.T) {
	clientT, serverT := newPipePair(t)
	defer clientT.Close()
	defer serverT.Close()

	NewServer(serverT, nil)
	opts := options.NewDefaultRegistry()
	client := NewClient(clientT, opts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.ResetPeerStats(ctx))

	stats, err := client.GetPeerStats(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.ResetCount, uint32(1))
}

func TestGetPeerInfo(t *testing.T) {
	clientT, serverT := newPipePair(t)
	defer clientT.Close()
	defer serverT.Close()

	info := staticInfo{
		ServerTerminusName: "srv",
		ClientTerminusName: "cli",
		Transports: []wire.PeerTransportInfo{
			{LocalAddr: "pipe", RemoteAddr: "pipe", Driver: "tcp"},
		},
	}
	NewServer(serverT, info)
	opts := options.NewDefaultRegistry()
	client := NewClient(clientT, opts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := client.GetPeerInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, "srv", got.ServerTerminusName)
	require.Equal(t, "cli", got.ClientTerminusName)
	require.Len(t, got.Transports, 1)
	require.Equal(t, "tcp", got.Transports[0].Driver)
}
