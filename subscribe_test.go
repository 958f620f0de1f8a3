package messaging_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/messaging"
	"github.com/relaybus/messaging/serializer"
)

func TestSubscribeTypedAckImmediateAckDelivers(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "orders", SerializationFormat: "json"}

	received := make(chan orderCreated, 1)
	td, err := messaging.SubscribeTypedAck[orderCreated](context.Background(), e, ep, func(msg orderCreated, ack messaging.AckFunc) {
		received <- msg
		ack(0, true)
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
	assert.Equal(t, uint64(1), stats.Acked)
	assert.Equal(t, uint64(0), stats.Nacked)
}

// instrumentedGroup is a minimal messaging.ProcessingGroup that invokes
// its subscribed callback synchronously from Send and records the wall
// time the raw ack actually lands, so the deferred-ack delay can be
// measured without a real broker round trip.
type instrumentedGroup struct {
	mu        sync.Mutex
	onMessage func(messaging.BinaryMessage, messaging.RawAckFunc)
	ackTimes  chan time.Time
}

func (g *instrumentedGroup) Send(_ context.Context, _ string, msg messaging.BinaryMessage, _ time.Duration) error {
	g.mu.Lock()
	onMessage := g.onMessage
	g.mu.Unlock()
	if onMessage == nil {
		return nil
	}
	onMessage(msg, func(bool) { g.ackTimes <- time.Now() })
	return nil
}

func (g *instrumentedGroup) Subscribe(_ context.Context, _ string, onMessage func(messaging.BinaryMessage, messaging.RawAckFunc), _ string) (messaging.Teardown, error) {
	g.mu.Lock()
	g.onMessage = onMessage
	g.mu.Unlock()
	return messaging.NewTeardown(func() {}), nil
}

func (g *instrumentedGroup) RegisterHandler(context.Context, string, func(messaging.BinaryMessage) (messaging.BinaryMessage, error), string) (messaging.Teardown, error) {
	return nil, messaging.ErrProcessing
}

func (g *instrumentedGroup) SendRequest(context.Context, string, messaging.BinaryMessage, func(messaging.BinaryMessage, error)) (*messaging.RequestHandle, error) {
	return nil, messaging.ErrProcessing
}

// instrumentedTransport hands out a single shared instrumentedGroup
// regardless of the requested destination, since these tests only ever
// address one.
type instrumentedTransport struct {
	group  *instrumentedGroup
	events chan messaging.TransportEvent
}

func newInstrumentedTransport() *instrumentedTransport {
	return &instrumentedTransport{
		group:  &instrumentedGroup{ackTimes: make(chan time.Time, 1)},
		events: make(chan messaging.TransportEvent),
	}
}

func (tr *instrumentedTransport) ProcessingGroup(string, string) (messaging.ProcessingGroup, error) {
	return tr.group, nil
}

func (tr *instrumentedTransport) Events() <-chan messaging.TransportEvent { return tr.events }

func (tr *instrumentedTransport) Close() error { return nil }

func TestSubscribeTypedAckDefersRawAckByTheRequestedDelay(t *testing.T) {
	tr := newInstrumentedTransport()
	e := messaging.NewEngine(tr, serializer.Default())
	t.Cleanup(func() { _ = e.Dispose() })

	ep := messaging.Endpoint{TransportID: "fake", Destination: "orders", SerializationFormat: "json"}
	td, err := messaging.SubscribeTypedAck[orderCreated](context.Background(), e, ep, func(msg orderCreated, ack messaging.AckFunc) {
		ack(200, true)
	})
	require.NoError(t, err)
	defer td.Dispose()

	sendTime := time.Now()
	require.NoError(t, messaging.Send(context.Background(), e, orderCreated{OrderID: "o-1"}, ep, 0))

	select {
	case ackTime := <-tr.group.ackTimes:
		elapsed := ackTime.Sub(sendTime)
		assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
		assert.Less(t, elapsed, 400*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the deferred raw ack")
	}
}

type accountRenamed struct{ Name string }

func TestSubscribeMultiRoutesKnownTypesByWireName(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "accounts", SerializationFormat: "json"}

	known := make(chan any, 1)
	unknown := make(chan string, 1)
	td, err := messaging.SubscribeMulti(context.Background(), e, ep,
		func(msg any, ack messaging.AckFunc) {
			known <- msg
			ack(0, true)
		},
		func(wireType string, ack messaging.AckFunc) {
			unknown <- wireType
			ack(0, true)
		},
		[]reflect.Type{reflect.TypeOf(accountRenamed{})},
	)
	require.NoError(t, err)
	defer td.Dispose()

	require.NoError(t, messaging.Send(context.Background(), e, accountRenamed{Name: "acme"}, ep, 0))

	select {
	case msg := <-known:
		renamed, ok := msg.(accountRenamed)
		require.True(t, ok)
		assert.Equal(t, "acme", renamed.Name)
	case <-unknown:
		t.Fatal("expected the known-type callback, not unknown")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribeMultiRoutesUnrecognizedWireTypesToTheUnknownCallback(t *testing.T) {
	e, _ := newTestEngine(t)
	ep := messaging.Endpoint{TransportID: "memory", Destination: "accounts-2", SerializationFormat: "json"}

	unknown := make(chan string, 1)
	td, err := messaging.SubscribeMulti(context.Background(), e, ep,
		func(any, messaging.AckFunc) { t.Fatal("did not expect the known-type callback") },
		func(wireType string, ack messaging.AckFunc) {
			unknown <- wireType
			ack(0, true)
		},
		nil,
	)
	require.NoError(t, err)
	defer td.Dispose()

	require.NoError(t, messaging.Send(context.Background(), e, orderCreated{OrderID: "o-2"}, ep, 0))

	select {
	case wireType := <-unknown:
		assert.NotEmpty(t, wireType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the unknown-type callback")
	}
}
