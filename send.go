package messaging

import (
	"context"
	"sync/atomic"
	"time"
)

// Send serializes msg as T and forwards it to endpoint's processing
// group. ttl of zero means infinite lifetime at the broker
// (DefaultMessageLifespan).
func Send[T any](ctx context.Context, e *Engine, msg T, ep Endpoint, ttl time.Duration) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	if err := e.enterTracked(); err != nil {
		return err
	}
	defer e.counter.exit()

	wireType := e.resolver.Resolve(msg)
	payload, err := e.serializer.Serialize(ep.SerializationFormat, msg)
	if err != nil {
		return &wrappedErr{kind: ErrProcessing, cause: err}
	}

	pg, err := e.processingGroupFor(ep)
	if err != nil {
		return err
	}

	if err := pg.Send(ctx, ep.Destination, BinaryMessage{Bytes: payload, Type: wireType}, ttl); err != nil {
		e.logger.Error("send failed", "transport_id", ep.TransportID, "destination", ep.Destination, "error", err)
		return wrapTransportErr(err)
	}
	atomic.AddUint64(&e.counters.sent, 1)
	return nil
}

// SendObject routes a polymorphic payload through
// Serializer.SerializeObject instead of the format's typed path, using
// wireType as the declared wire-type name since no static Go type
// parameter is available to resolve one.
func SendObject(ctx context.Context, e *Engine, msg any, wireType string, ep Endpoint, ttl time.Duration) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	if err := e.enterTracked(); err != nil {
		return err
	}
	defer e.counter.exit()

	payload, err := e.serializer.SerializeObject(ep.SerializationFormat, msg)
	if err != nil {
		return &wrappedErr{kind: ErrProcessing, cause: err}
	}

	pg, err := e.processingGroupFor(ep)
	if err != nil {
		return err
	}

	if err := pg.Send(ctx, ep.Destination, BinaryMessage{Bytes: payload, Type: wireType}, ttl); err != nil {
		e.logger.Error("send failed", "transport_id", ep.TransportID, "destination", ep.Destination, "error", err)
		return wrapTransportErr(err)
	}
	atomic.AddUint64(&e.counters.sent, 1)
	return nil
}
