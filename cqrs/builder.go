// Package cqrs is a small fluent registration DSL over the messaging
// engine: a builder that accumulates static type-to-handler
// descriptors and registers them all against an Engine in one call,
// keeping reflection-free registration as the default path.
package cqrs

import (
	"context"

	"github.com/relaybus/messaging"
)

// step is one deferred registration call, closed over its own type
// parameters so the Builder itself stays non-generic.
type step func(ctx context.Context, e *messaging.Engine) (messaging.Teardown, error)

// Builder accumulates handler/subscription registrations for a bounded
// context and registers them together.
type Builder struct {
	steps []step
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Handle adds a request/reply handler registration to b.
func Handle[Req any, Resp any](b *Builder, ep messaging.Endpoint, handler func(Req) (Resp, error)) *Builder {
	b.steps = append(b.steps, func(ctx context.Context, e *messaging.Engine) (messaging.Teardown, error) {
		return messaging.RegisterHandler[Req, Resp](ctx, e, ep, handler)
	})
	return b
}

// Subscribe adds a one-way subscription registration to b.
func Subscribe[T any](b *Builder, ep messaging.Endpoint, callback func(T)) *Builder {
	b.steps = append(b.steps, func(ctx context.Context, e *messaging.Engine) (messaging.Teardown, error) {
		return messaging.SubscribeTyped[T](ctx, e, ep, callback)
	})
	return b
}

// SubscribeAck adds an ack-controlling subscription registration to b.
func SubscribeAck[T any](b *Builder, ep messaging.Endpoint, callback func(T, messaging.AckFunc)) *Builder {
	b.steps = append(b.steps, func(ctx context.Context, e *messaging.Engine) (messaging.Teardown, error) {
		return messaging.SubscribeTypedAck[T](ctx, e, ep, callback)
	})
	return b
}

// RegisterAll runs every accumulated step against e, in the order they
// were added. If a step fails, every step registered so far is
// disposed and the error is returned.
func (b *Builder) RegisterAll(ctx context.Context, e *messaging.Engine) (messaging.Teardown, error) {
	var registered messaging.CompositeTeardown
	for _, s := range b.steps {
		td, err := s(ctx, e)
		if err != nil {
			_ = registered.Dispose()
			return nil, err
		}
		registered = append(registered, td)
	}
	return registered, nil
}
