package messaging_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/messaging"
)

type ping struct{ Nonce int }
type pong struct{ Nonce int }

func TestSendRequestSyncRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "ping", SerializationFormat: "json"}

	td, err := messaging.RegisterHandler[ping, pong](context.Background(), e, ep, func(req ping) (pong, error) {
		return pong{Nonce: req.Nonce + 1}, nil
	})
	require.NoError(t, err)
	defer td.Dispose()

	resp, err := messaging.SendRequest[ping, pong](context.Background(), e, ping{Nonce: 41}, ep, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Nonce)
}

func TestSendRequestTimesOutWithoutAHandler(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "no-handler", SerializationFormat: "json"}

	_, err := messaging.SendRequest[ping, pong](context.Background(), e, ping{Nonce: 1}, ep, 50*time.Millisecond)
	require.Error(t, err)
}

func TestSendRequestAsyncDisposeCancelsCorrelator(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "ping-async", SerializationFormat: "json"}

	block := make(chan struct{})
	td, err := messaging.RegisterHandler[ping, pong](context.Background(), e, ep, func(req ping) (pong, error) {
		<-block
		return pong{Nonce: req.Nonce}, nil
	})
	require.NoError(t, err)
	defer td.Dispose()

	gotResponse := make(chan struct{})
	handle, err := messaging.SendRequestAsync[ping, pong](context.Background(), e, ping{Nonce: 1}, ep,
		func(pong) { close(gotResponse) },
		func(error) {},
		time.Minute,
	)
	require.NoError(t, err)
	require.NoError(t, handle.Dispose())
	close(block)

	select {
	case <-gotResponse:
		t.Fatal("expected disposed handle to suppress the response callback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRequestAsyncNeverFiresFailureAfterResponseArrives(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "ping-once", SerializationFormat: "json"}

	td, err := messaging.RegisterHandler[ping, pong](context.Background(), e, ep, func(req ping) (pong, error) {
		return pong{Nonce: req.Nonce + 1}, nil
	})
	require.NoError(t, err)
	defer td.Dispose()

	gotResponse := make(chan struct{})
	var failureCount int32
	_, err = messaging.SendRequestAsync[ping, pong](context.Background(), e, ping{Nonce: 1}, ep,
		func(pong) { close(gotResponse) },
		func(error) { atomic.AddInt32(&failureCount, 1) },
		150*time.Millisecond,
	)
	require.NoError(t, err)

	select {
	case <-gotResponse:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the response")
	}

	// Wait past the original timeout deadline: if the response had not
	// marked the handle complete, the timeout tracker would fire
	// onFailure(ErrTimeout) a second time here.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&failureCount))
}
