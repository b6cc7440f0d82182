package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/wire"
)

type recordingListener struct {
	opened, connected, disconnected, closed chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		opened:       make(chan struct{}, 1),
		connected:    make(chan struct{}, 1),
		disconnected: make(chan struct{}, 1),
		closed:       make(chan struct{}, 1),
	}
}

func (l *recordingListener) OnOpen(*Transport)               { l.opened <- struct{}{} }
func (l *recordingListener) OnConnected(*Transport)          { l.connected <- struct{}{} }
func (l *recordingListener) OnDisconnected(*Transport, error) { l.disconnected <- struct{}{} }
func (l *recordingListener) OnClosed(*Transport, error)      { l.closed <- struct{}{} }

func newPipePair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	c1, c2 := net.Pipe()
	opts := options.NewDefaultRegistry()
	a := New(c1, opts)
	b := New(c2, opts)
	a.Open(context.Background())
	b.Open(context.Background())
	return a, b
}

func TestPingRoundTrip(t *testing.T) {
	client, server := newPipePair(t)
	defer client.Close()
	defer server.Close()

	server.RegisterHandler(wire.TagPingRequest, func(id wire.ExchangeID, _ wire.Body) {
		require.NoError(t, server.Reply(id, wire.TagPingResponse, &wire.PingResponseBody{}))
	})

	_, respCh, err := client.Send(wire.TagPingRequest, &wire.PingRequestBody{})
	require.NoError(t, err)

	select {
	case body := <-respCh:
		_, ok := body.(*wire.PingResponseBody)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping response")
	}
}

func TestListenerNotifications(t *testing.T) {
	c1, c2 := net.Pipe()
	opts := options.NewDefaultRegistry()
	tr := New(c1, opts)
	other := New(c2, opts)
	other.Open(context.Background())

	l := newRecordingListener()
	tr.AddListener(l)
	tr.Open(context.Background())
	tr.MarkConnected()

	select {
	case <-l.opened:
	case <-time.After(time.Second):
		t.Fatal("missing OnOpen")
	}
	select {
	case <-l.connected:
	case <-time.After(time.Second):
		t.Fatal("missing OnConnected")
	}

	require.NoError(t, tr.Close())
	other.Close()

	select {
	case <-l.closed:
	case <-time.After(time.Second):
		t.Fatal("missing OnClosed")
	}
}

func TestStatsTrackFrameCounts(t *testing.T) {
	client, server := newPipePair(t)
	defer client.Close()
	defer server.Close()

	server.RegisterHandler(wire.TagPingRequest, func(id wire.ExchangeID, _ wire.Body) {
		_ = server.Reply(id, wire.TagPingResponse, &wire.PingResponseBody{})
	})

	_, respCh, err := client.Send(wire.TagPingRequest, &wire.PingRequestBody{})
	require.NoError(t, err)
	<-respCh

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.FramesSent)
	require.Equal(t, uint64(1), stats.FramesReceived)

	client.ResetStats()
	stats = client.Stats()
	require.Zero(t, stats.FramesSent)
	require.Equal(t, uint64(1), stats.ResetCount)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := newPipePair(t)
	defer server.Close()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

// TestSendDependentCascadesOnDispatch covers the live-reply path: when a
// response arrives for an exchange that declared a dependency, the
// dependency's channel must be observed closed before the dependent's
// response is delivered (spec.md §4.2).
func TestSendDependentCascadesOnDispatch(t *testing.T) {
	client, server := newPipePair(t)
	defer client.Close()
	defer server.Close()

	server.RegisterHandler(wire.TagPingRequest, func(id wire.ExchangeID, _ wire.Body) {
		// Never reply to the target exchange directly; only the
		// dependent TaskMgmt-style exchange gets a reply.
	})
	server.RegisterHandler(wire.TagTaskMgmtRequest, func(id wire.ExchangeID, _ wire.Body) {
		require.NoError(t, server.Reply(id, wire.TagTaskMgmtResponse, &wire.TaskMgmtResponseBody{Status: wire.StatusAborted}))
	})

	targetID, targetCh, err := client.Send(wire.TagPingRequest, &wire.PingRequestBody{})
	require.NoError(t, err)

	_, abortCh, err := client.SendDependent(wire.TagTaskMgmtRequest, &wire.TaskMgmtRequestBody{}, targetID)
	require.NoError(t, err)

	var depClosed, dependentClosed bool
	select {
	case _, ok := <-abortCh:
		dependentClosed = !ok
		require.True(t, ok, "expected a delivered abort response, not a bare close")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for abort response")
	}

	// By the time the dependent's response was delivered, the target's
	// channel must already be closed (the cascade in dispatch runs
	// strictly before the dependent delivery).
	select {
	case _, ok := <-targetCh:
		depClosed = !ok
		require.False(t, ok, "target exchange should have been reset, not answered")
	default:
		t.Fatal("target exchange channel was not yet closed when the dependent's response arrived")
	}

	require.True(t, depClosed)
	_ = dependentClosed
}

// TestSendDependentCascadesOnClose covers the shutdown path: Close must
// reset dependency exchanges before their dependents (spec.md §4.2).
func TestSendDependentCascadesOnClose(t *testing.T) {
	client, server := newPipePair(t)
	defer server.Close()

	targetID, targetCh, err := client.Send(wire.TagPingRequest, &wire.PingRequestBody{})
	require.NoError(t, err)
	_, abortCh, err := client.SendDependent(wire.TagTaskMgmtRequest, &wire.TaskMgmtRequestBody{}, targetID)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-targetCh
		mu.Lock()
		order = append(order, "target")
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		<-abortCh
		mu.Lock()
		order = append(order, "abort")
		mu.Unlock()
	}()

	require.NoError(t, client.Close())
	wg.Wait()

	require.Equal(t, []string{"target", "abort"}, order)
}
