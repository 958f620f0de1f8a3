package messaging

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Lifecycle event type constants, following CloudEvents reverse-domain
// notation the same way modules/eventbus/events.go does.
const (
	EventTypeEngineStarted        = "com.relaybus.messaging.engine.started"
	EventTypeEngineDisposing      = "com.relaybus.messaging.engine.disposing"
	EventTypeEngineDisposed       = "com.relaybus.messaging.engine.disposed"
	EventTypeSubscriptionCreated  = "com.relaybus.messaging.subscription.created"
	EventTypeSubscriptionCanceled = "com.relaybus.messaging.subscription.canceled"
	EventTypeHandlerRegistered    = "com.relaybus.messaging.handler.registered"
	EventTypeHandlerReregistered  = "com.relaybus.messaging.handler.reregistered"
	EventTypeRequestTimedOut      = "com.relaybus.messaging.request.timedout"
	EventTypeMessageNacked        = "com.relaybus.messaging.message.nacked"
)

// Observer receives lifecycle notifications emitted by the engine. It is
// an ambient observability concern — distinct from distributed tracing, which
// remains a Non-goal.
type Observer interface {
	Notify(ctx context.Context, event cloudevents.Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, event cloudevents.Event)

func (f ObserverFunc) Notify(ctx context.Context, event cloudevents.Event) { f(ctx, event) }

// emitEvent builds a CloudEvent and fans it out to every observer,
// mirroring MemoryEventBus.emitEvent: best-effort, never
// blocks the hot path, errors are logged and swallowed.
func (e *Engine) emitEvent(ctx context.Context, eventType string, data map[string]any) {
	if len(e.observers) == 0 {
		return
	}
	event := cloudevents.NewEvent()
	event.SetID(uuid4())
	event.SetSource("relaybus-messaging-engine")
	event.SetType(eventType)
	if data == nil {
		data = map[string]any{}
	}
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		e.logger.Warn("failed to encode lifecycle event", "type", eventType, "error", err)
		return
	}
	for _, obs := range e.observers {
		o := obs
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("observer panicked", "type", eventType, "recovered", r)
				}
			}()
			o.Notify(ctx, event)
		}()
	}
}
