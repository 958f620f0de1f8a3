package cqrs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/messaging"
	"github.com/relaybus/messaging/cqrs"
	"github.com/relaybus/messaging/serializer"
	"github.com/relaybus/messaging/transport"
)

type createOrder struct{ OrderID string }
type orderAccepted struct{ OrderID string }
type orderShipped struct{ OrderID string }

func newTestEngine(t *testing.T) *messaging.Engine {
	t.Helper()
	tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig())
	e := messaging.NewEngine(tr, serializer.Default())
	t.Cleanup(func() { _ = e.Dispose() })
	return e
}

func TestBuilderRegisterAllWiresHandlersAndSubscriptions(t *testing.T) {
	e := newTestEngine(t)
	base := messaging.Endpoint{TransportID: "memory", SerializationFormat: "json"}

	shipped := make(chan orderShipped, 1)

	b := cqrs.New()
	cqrs.Handle[createOrder, orderAccepted](b, withDestination(base, "createOrder"), func(req createOrder) (orderAccepted, error) {
		return orderAccepted{OrderID: req.OrderID}, nil
	})
	cqrs.Subscribe[orderShipped](b, withDestination(base, "orderShipped"), func(msg orderShipped) {
		shipped <- msg
	})

	td, err := b.RegisterAll(context.Background(), e)
	require.NoError(t, err)
	defer td.Dispose()

	resp, err := messaging.SendRequest[createOrder, orderAccepted](context.Background(), e, createOrder{OrderID: "o-1"}, withDestination(base, "createOrder"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "o-1", resp.OrderID)

	require.NoError(t, messaging.Send(context.Background(), e, orderShipped{OrderID: "o-1"}, withDestination(base, "orderShipped"), 0))
	select {
	case msg := <-shipped:
		assert.Equal(t, "o-1", msg.OrderID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription delivery")
	}
}

func TestBuilderRegisterAllRollsBackOnFailure(t *testing.T) {
	e := newTestEngine(t)
	base := messaging.Endpoint{TransportID: "memory", SerializationFormat: "json"}

	b := cqrs.New()
	cqrs.Subscribe[orderShipped](b, withDestination(base, "orderShipped"), func(orderShipped) {})
	cqrs.Handle[createOrder, orderAccepted](b, messaging.Endpoint{TransportID: "memory", SerializationFormat: "json"}, func(createOrder) (orderAccepted, error) {
		return orderAccepted{}, nil
	})

	td, err := b.RegisterAll(context.Background(), e)
	require.Error(t, err)
	assert.Nil(t, td)

	require.NoError(t, messaging.Send(context.Background(), e, orderShipped{OrderID: "o-2"}, withDestination(base, "orderShipped"), 0))
}

func withDestination(ep messaging.Endpoint, destination string) messaging.Endpoint {
	ep.Destination = destination
	return ep
}
