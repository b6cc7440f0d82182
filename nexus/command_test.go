package nexus

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/delphix-oss/dsp/event"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/schedule"
)

func TestExecuteForeRoundTrip(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	pair := testPair()

	nClient := New(pair, opts, mgr, sched, 1)
	nServer := New(pair, opts, mgr, sched, 1)

	localClient, localServer := newTestTransport(t, opts)
	defer localClient.Close()

	require.NoError(t, nClient.Attach(localClient))
	localClient.MarkConnected()

	nServer.HandleFore(func(ctx context.Context, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		copy(out, payload)
		return bytes.ToUpper(out), nil
	})
	require.NoError(t, nServer.Attach(localServer))
	localServer.MarkConnected()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := nClient.ExecuteFore(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("HELLO"), resp)
}

func TestExecuteForeSurfacesHandlerError(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	pair := testPair()

	nClient := New(pair, opts, mgr, sched, 1)
	nServer := New(pair, opts, mgr, sched, 1)

	localClient, localServer := newTestTransport(t, opts)
	defer localClient.Close()

	nServer.HandleFore(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, nServer.Attach(localServer))
	localServer.MarkConnected()
	require.NoError(t, nClient.Attach(localClient))
	localClient.MarkConnected()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := nClient.ExecuteFore(ctx, []byte("hi"))
	require.Error(t, err)
}

func TestExecuteBackRoundTrip(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	pair := testPair()

	nServer := New(pair, opts, mgr, sched, 1)
	nClient := New(pair, opts, mgr, sched, 1)

	localServer, localClient := newTestTransport(t, opts)
	defer localServer.Close()

	nClient.HandleBack(func(ctx context.Context, payload []byte) ([]byte, error) {
		return append([]byte("ack:"), payload...), nil
	})
	require.NoError(t, nClient.Attach(localClient))
	localClient.MarkConnected()
	require.NoError(t, nServer.Attach(localServer))
	localServer.MarkConnected()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := nServer.ExecuteBack(ctx, []byte("push"))
	require.NoError(t, err)
	require.Equal(t, []byte("ack:push"), resp)
}

func TestAbortForeMarksSlotCompletedBeforeHandlerReplies(t *testing.T) {
	opts := options.NewDefaultRegistry()
	mgr := event.NewManager(4)
	sched := schedule.New()
	pair := testPair()

	nClient := New(pair, opts, mgr, sched, 1)
	nServer := New(pair, opts, mgr, sched, 1)

	localClient, localServer := newTestTransport(t, opts)
	defer localClient.Close()

	release := make(chan struct{})
	nServer.HandleFore(func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return payload, nil
	})
	require.NoError(t, nServer.Attach(localServer))
	localServer.MarkConnected()
	require.NoError(t, nClient.Attach(localClient))
	localClient.MarkConnected()

	sent := make(chan CommandHandle, 1)
	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := nClient.ExecuteForeCancelable(ctx, []byte("slow"), func(h CommandHandle) {
			sent <- h
		})
		result <- err
	}()

	var handle CommandHandle
	select {
	case handle = <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("command was never sent")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, nClient.AbortFore(ctx, handle))

	// SlotCache.Abort already marked the slot COMPLETED; releasing the
	// still-running handler now races its own Complete call, which is
	// the documented best-effort limitation (the handler itself cannot
	// be interrupted).
	close(release)
	<-result
}
