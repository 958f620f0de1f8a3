package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/messaging"
	"github.com/relaybus/messaging/transport"
)

func TestMemoryTransportSendSubscribe(t *testing.T) {
	tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig())
	defer tr.Close()

	pg, err := tr.ProcessingGroup("memory", "orders")
	require.NoError(t, err)

	received := make(chan messaging.BinaryMessage, 1)
	td, err := pg.Subscribe(context.Background(), "orders", func(bm messaging.BinaryMessage, ack messaging.RawAckFunc) {
		received <- bm
		ack(true)
	}, "")
	require.NoError(t, err)
	defer td.Dispose()

	require.NoError(t, pg.Send(context.Background(), "orders", messaging.BinaryMessage{Bytes: []byte("hi"), Type: "orderCreated"}, 0))

	select {
	case bm := <-received:
		assert.Equal(t, "orderCreated", bm.Type)
		assert.Equal(t, []byte("hi"), bm.Bytes)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryTransportRequestReply(t *testing.T) {
	tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig())
	defer tr.Close()

	pg, err := tr.ProcessingGroup("memory", "ping")
	require.NoError(t, err)

	_, err = pg.RegisterHandler(context.Background(), "ping", func(bm messaging.BinaryMessage) (messaging.BinaryMessage, error) {
		return messaging.BinaryMessage{Bytes: bm.Bytes, Type: "pong"}, nil
	}, "")
	require.NoError(t, err)

	respCh := make(chan messaging.BinaryMessage, 1)
	_, err = pg.SendRequest(context.Background(), "ping", messaging.BinaryMessage{Bytes: []byte("x"), Type: "ping"}, func(bm messaging.BinaryMessage, respErr error) {
		require.NoError(t, respErr)
		respCh <- bm
	})
	require.NoError(t, err)

	select {
	case bm := <-respCh:
		assert.Equal(t, "pong", bm.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestMemoryTransportRequestWithoutHandlerFails(t *testing.T) {
	tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig())
	defer tr.Close()

	pg, err := tr.ProcessingGroup("memory", "unhandled")
	require.NoError(t, err)

	_, err = pg.SendRequest(context.Background(), "unhandled", messaging.BinaryMessage{Type: "x"}, func(messaging.BinaryMessage, error) {})
	assert.Error(t, err)
}

func TestMemoryTransportEmitsSyntheticFailureEvents(t *testing.T) {
	tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig())
	defer tr.Close()

	tr.FireFailure("memory")
	select {
	case ev := <-tr.Events():
		assert.Equal(t, messaging.TransportFailure, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a synthetic failure event")
	}
}
