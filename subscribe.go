package messaging

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"
)

// adaptAck translates the public ack delegate into the raw
// transport ack, either immediately (delayMs==0) or via the
// Deferred-Ack Scheduler.
func adaptAck(e *Engine, raw RawAckFunc) AckFunc {
	return func(delayMs int, accepted bool) {
		if accepted {
			atomic.AddUint64(&e.counters.acked, 1)
		} else {
			atomic.AddUint64(&e.counters.nacked, 1)
		}
		if delayMs <= 0 {
			raw(accepted)
			return
		}
		delay := time.Duration(delayMs) * time.Millisecond
		e.acks.scheduleAfter(delay, func() { raw(accepted) })
	}
}

// nack issues the internal failure ack for deserialization failures
// and panicking/erroring user callbacks.
func (e *Engine) nack(ctx context.Context, ack AckFunc, reason string, cause error) {
	e.logger.Error(reason, "error", cause)
	e.emitEvent(ctx, EventTypeMessageNacked, map[string]any{"reason": reason})
	ack(int(e.config.UnackDelay/time.Millisecond), false)
}

// SubscribeTyped subscribes endpoint with a single-argument callback
// that auto-acks (0, true) after it returns without panicking.
func SubscribeTyped[T any](ctx context.Context, e *Engine, ep Endpoint, callback func(T)) (Teardown, error) {
	return SubscribeTypedAck[T](ctx, e, ep, func(msg T, ack AckFunc) {
		callback(msg)
		ack(0, true)
	})
}

// SubscribeTypedAck subscribes endpoint with a two-argument callback
// that controls its own acknowledgement.
func SubscribeTypedAck[T any](ctx context.Context, e *Engine, ep Endpoint, callback func(T, AckFunc)) (Teardown, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if e.isDisposing() {
		return nil, ErrShutdown
	}

	var zero T
	wireType := e.resolver.Resolve(zero)
	wireFilter := ""
	if ep.SharedDestination {
		wireFilter = wireType
	}

	pg, err := e.processingGroupFor(ep)
	if err != nil {
		return nil, err
	}

	onMessage := func(bm BinaryMessage, raw RawAckFunc) {
		ack := adaptAck(e, raw)
		atomic.AddUint64(&e.counters.received, 1)

		var msg T
		if err := e.serializer.Deserialize(ep.SerializationFormat, bm.Bytes, &msg); err != nil {
			e.nack(ctx, ack, "failed to deserialize inbound message", err)
			return
		}

		e.invokeCallback(ctx, ack, func() { callback(msg, ack) })
	}

	sub, err := pg.Subscribe(ctx, ep.Destination, onMessage, wireFilter)
	if err != nil {
		e.logger.Error("subscribe failed", "transport_id", ep.TransportID, "destination", ep.Destination, "error", err)
		return nil, wrapTransportErr(err)
	}

	e.emitEvent(ctx, EventTypeSubscriptionCreated, map[string]any{"destination": ep.Destination})
	handle := e.handles.createHandle(func() {
		_ = sub.Dispose()
		e.emitEvent(context.Background(), EventTypeSubscriptionCanceled, map[string]any{"destination": ep.Destination})
	})
	return handle, nil
}

// SubscribeMulti subscribes a shared destination carrying more than one
// message schema. Each
// inbound message's wire-type name is looked up in knownTypes; misses
// are routed to unknownTypeCallback instead of being deserialized.
func SubscribeMulti(ctx context.Context, e *Engine, ep Endpoint, callback func(any, AckFunc), unknownTypeCallback func(string, AckFunc), knownTypes []reflect.Type) (Teardown, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if e.isDisposing() {
		return nil, ErrShutdown
	}

	byWireName := make(map[string]reflect.Type, len(knownTypes))
	for _, t := range knownTypes {
		byWireName[e.resolver.ResolveType(t)] = t
	}

	pg, err := e.processingGroupFor(ep)
	if err != nil {
		return nil, err
	}

	onMessage := func(bm BinaryMessage, raw RawAckFunc) {
		ack := adaptAck(e, raw)
		atomic.AddUint64(&e.counters.received, 1)

		t, known := byWireName[bm.Type]
		if !known {
			e.invokeUnknown(ctx, ack, bm.Type, unknownTypeCallback)
			return
		}

		out := reflect.New(t)
		if err := e.serializer.Deserialize(ep.SerializationFormat, bm.Bytes, out.Interface()); err != nil {
			e.nack(ctx, ack, "failed to deserialize inbound message", err)
			return
		}

		e.invokeCallback(ctx, ack, func() { callback(out.Elem().Interface(), ack) })
	}

	sub, err := pg.Subscribe(ctx, ep.Destination, onMessage, "")
	if err != nil {
		e.logger.Error("subscribe failed", "transport_id", ep.TransportID, "destination", ep.Destination, "error", err)
		return nil, wrapTransportErr(err)
	}

	e.emitEvent(ctx, EventTypeSubscriptionCreated, map[string]any{"destination": ep.Destination})
	handle := e.handles.createHandle(func() {
		_ = sub.Dispose()
		e.emitEvent(context.Background(), EventTypeSubscriptionCanceled, map[string]any{"destination": ep.Destination})
	})
	return handle, nil
}

// invokeCallback runs fn, recovering a panic as a failed delivery: log
// and nack with (DEFAULT_UNACK_DELAY, false).
func (e *Engine) invokeCallback(ctx context.Context, ack AckFunc, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.nack(ctx, ack, "subscribe callback panicked", panicError{r})
		}
	}()
	fn()
}

// invokeUnknown runs the unknown-type callback; errors are logged and
// swallowed since acking is the caller's own responsibility.
func (e *Engine) invokeUnknown(ctx context.Context, ack AckFunc, wireType string, unknown func(string, AckFunc)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("unknown-type callback panicked", "type", wireType, "recovered", r)
		}
	}()
	unknown(wireType, ack)
}

type panicError struct{ value any }

func (p panicError) Error() string { return "panic recovered" }
