package messaging_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/messaging"
	"github.com/relaybus/messaging/serializer"
	"github.com/relaybus/messaging/transport"
)

type orderCreated struct {
	OrderID string
}

func newTestEngine(t *testing.T) (*messaging.Engine, *transport.MemoryTransport) {
	t.Helper()
	tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig())
	e := messaging.NewEngine(tr, serializer.Default())
	t.Cleanup(func() { _ = e.Dispose() })
	return e, tr
}

func TestSendSubscribeRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "orders", SerializationFormat: "json"}

	received := make(chan orderCreated, 1)
	td, err := messaging.SubscribeTyped[orderCreated](context.Background(), e, ep, func(msg orderCreated) {
		received <- msg
	})
	require.NoError(t, err)
	defer td.Dispose()

	require.NoError(t, messaging.Send(context.Background(), e, orderCreated{OrderID: "o-1"}, ep, 0))

	select {
	case msg := <-received:
		assert.Equal(t, "o-1", msg.OrderID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Acked)
}

func TestSendRejectsEmptyDestination(t *testing.T) {
	e, _ := newTestEngine(t)
	err := messaging.Send(context.Background(), e, orderCreated{}, messaging.Endpoint{TransportID: "memory"}, 0)
	assert.ErrorIs(t, err, messaging.ErrArgument)
}

func TestDisposeRejectsNewOperations(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Dispose())

	ep := messaging.Endpoint{TransportID: "memory", Destination: "orders", SerializationFormat: "json"}
	err := messaging.Send(context.Background(), e, orderCreated{}, ep, 0)
	assert.ErrorIs(t, err, messaging.ErrShutdown)

	// Dispose is idempotent.
	assert.NoError(t, e.Dispose())
}

func TestHealthCheckReflectsDisposingState(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, messaging.HealthStatusHealthy, e.HealthCheck().Status)

	require.NoError(t, e.Dispose())
	assert.Equal(t, messaging.HealthStatusUnhealthy, e.HealthCheck().Status)
}

// TestDisposeDrainsInFlightAsyncRequestWithTimeout exercises graceful
// shutdown of a request that is still awaiting a reply: Dispose must
// fail it with a timeout-kind error before Dispose itself returns, and
// must return promptly rather than waiting out the request's own
// (much longer) deadline.
func TestDisposeDrainsInFlightAsyncRequestWithTimeout(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "slow-ping", SerializationFormat: "json"}

	block := make(chan struct{})
	release := sync.OnceFunc(func() { close(block) })
	td, err := messaging.RegisterHandler[ping, pong](context.Background(), e, ep, func(req ping) (pong, error) {
		<-block
		return pong{Nonce: req.Nonce}, nil
	})
	require.NoError(t, err)
	defer release()
	defer td.Dispose()

	var failErr atomic.Value
	failed := make(chan struct{})
	_, err = messaging.SendRequestAsync[ping, pong](context.Background(), e, ping{Nonce: 1}, ep,
		func(pong) {},
		func(respErr error) {
			failErr.Store(respErr)
			close(failed)
		},
		10*time.Second,
	)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	disposeDone := make(chan struct{})
	go func() {
		_ = e.Dispose()
		close(disposeDone)
	}()

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("expected on_failure to fire while dispose is still running")
	}
	stored, _ := failErr.Load().(error)
	assert.True(t, errors.Is(stored, messaging.ErrTimeout))

	// Closing the memory transport waits for its workers, so the handler
	// blocked above has to return before Dispose can finish.
	release()

	select {
	case <-disposeDone:
	case <-time.After(time.Second):
		t.Fatal("dispose did not complete within 1s")
	}
}
