package messaging

import (
	"context"
	"sync"
	"time"
)

// handlerHolder is a mutable one-slot handle holder: it owns the
// currently-live subscription teardown and serializes re-registration
// attempts so a Failure event never races a concurrent retry timer.
type handlerHolder struct {
	mu      sync.Mutex
	regMu   sync.Mutex // held for the whole of one re-registration attempt
	current Teardown
	closed  bool
}

func (h *handlerHolder) set(t Teardown) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		if t != nil {
			_ = t.Dispose()
		}
		return
	}
	if h.current != nil {
		_ = h.current.Dispose()
	}
	h.current = t
}

func (h *handlerHolder) Dispose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.current != nil {
		_ = h.current.Dispose()
		h.current = nil
	}
	return nil
}

// RegisterHandler registers a request/reply handler on endpoint,
// re-installing it automatically whenever the transport reports a
// Failure event for endpoint.TransportID.
func RegisterHandler[Req any, Resp any](ctx context.Context, e *Engine, ep Endpoint, handler func(Req) (Resp, error)) (Teardown, error) {
	if err := handlerNotNil(handler); err != nil {
		return nil, err
	}

	wireCB := func(bm BinaryMessage) (BinaryMessage, error) {
		var req Req
		if err := e.serializer.Deserialize(ep.SerializationFormat, bm.Bytes, &req); err != nil {
			return BinaryMessage{}, &wrappedErr{kind: ErrProcessing, cause: err}
		}
		resp, err := handler(req)
		if err != nil {
			return BinaryMessage{}, &wrappedErr{kind: ErrProcessing, cause: err}
		}
		respType := e.resolver.Resolve(resp)
		payload, err := e.serializer.Serialize(ep.SerializationFormat, resp)
		if err != nil {
			return BinaryMessage{}, &wrappedErr{kind: ErrProcessing, cause: err}
		}
		return BinaryMessage{Bytes: payload, Type: respType}, nil
	}

	wireFilter := ""
	if ep.SharedDestination {
		var zeroReq Req
		wireFilter = e.resolver.Resolve(zeroReq)
	}

	return e.registerHandlerCore(ctx, ep, wireCB, wireFilter)
}

// registerHandlerCore drives the common registration/retry/re-register
// machinery shared by the typed RegisterHandler and the reflection-based
// path used by the cqrs package's method scanner.
func (e *Engine) registerHandlerCore(ctx context.Context, ep Endpoint, wireCB func(BinaryMessage) (BinaryMessage, error), wireFilter string) (Teardown, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if e.isDisposing() {
		return nil, ErrShutdown
	}

	holder := &handlerHolder{}

	tryRegister := func() error {
		pg, err := e.processingGroupFor(ep)
		if err != nil {
			return err
		}
		sub, err := pg.RegisterHandler(ctx, ep.Destination, wireCB, wireFilter)
		if err != nil {
			e.logger.Error("register_handler failed", "transport_id", ep.TransportID, "destination", ep.Destination, "error", err)
			return wrapTransportErr(err)
		}
		token := e.handles.createHandle(func() {
			if derr := sub.Dispose(); derr != nil {
				e.logger.Warn("error disposing handler subscription", "error", derr)
			}
		})
		holder.set(token)
		return nil
	}

	if err := tryRegister(); err != nil {
		return nil, err
	}
	e.emitEvent(ctx, EventTypeHandlerRegistered, map[string]any{"destination": ep.Destination})

	events := make(chan TransportEvent, 8)
	e.addEventListener(events)

	stop := make(chan struct{})
	e.eventsWG.Add(1)
	go e.watchHandlerFailures(ep, holder, tryRegister, events, stop)

	eventSub := NewTeardown(func() {
		close(stop)
		e.removeEventListener(events)
	})

	return CompositeTeardown{eventSub, holder}, nil
}

// watchHandlerFailures re-runs tryRegister whenever a Failure event for
// ep.TransportID arrives, retrying on HandlerReregisterInterval if an
// attempt fails.
func (e *Engine) watchHandlerFailures(ep Endpoint, holder *handlerHolder, tryRegister func() error, events chan TransportEvent, stop chan struct{}) {
	defer e.eventsWG.Done()
	defer e.removeEventListener(events)
	for {
		select {
		case <-e.eventsStop:
			return
		case <-stop:
			return
		case ev := <-events:
			if ev.TransportID != ep.TransportID || ev.Kind != TransportFailure {
				continue
			}
			e.reregisterWithRetry(ep, holder, tryRegister, stop)
		}
	}
}

func (e *Engine) reregisterWithRetry(ep Endpoint, holder *handlerHolder, tryRegister func() error, stop chan struct{}) {
	holder.regMu.Lock()
	defer holder.regMu.Unlock()
	holder.mu.Lock()
	closed := holder.closed
	holder.mu.Unlock()
	if closed {
		return
	}

	if err := tryRegisterLocked(tryRegister); err == nil {
		e.emitEvent(context.Background(), EventTypeHandlerReregistered, map[string]any{"destination": ep.Destination})
		return
	}

	interval := e.config.HandlerReregisterInterval
	timer := time.AfterFunc(interval, func() {
		e.reregisterWithRetry(ep, holder, tryRegister, stop)
	})
	go func() {
		select {
		case <-stop:
		case <-e.eventsStop:
		}
		timer.Stop()
	}()
}

// tryRegisterLocked exists so the retry path and the inline path share
// one call site for logging/metrics. The caller holds holder.regMu, not
// holder.mu, so tryRegister's holder.set can take holder.mu itself.
func tryRegisterLocked(tryRegister func() error) error {
	return tryRegister()
}

func handlerNotNil[Req any, Resp any](handler func(Req) (Resp, error)) error {
	if handler == nil {
		return ErrArgument
	}
	return nil
}
