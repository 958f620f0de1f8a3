package messaging

import (
	"context"
	"time"
)

// SendRequestAsync sends req to endpoint and correlates the response,
// invoking onResponse or onFailure exactly once. The returned Teardown is the RequestHandle
// itself; disposing it cancels the outstanding correlator.
func SendRequestAsync[Req any, Resp any](ctx context.Context, e *Engine, req Req, ep Endpoint, onResponse func(Resp), onFailure func(error), timeout time.Duration) (Teardown, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if err := e.enterTracked(); err != nil {
		return nil, err
	}
	defer e.counter.exit()

	wireType := e.resolver.Resolve(req)
	payload, err := e.serializer.Serialize(ep.SerializationFormat, req)
	if err != nil {
		return nil, &wrappedErr{kind: ErrProcessing, cause: err}
	}

	pg, err := e.processingGroupFor(ep)
	if err != nil {
		return nil, err
	}

	var handle *RequestHandle
	onResponseRaw := func(bm BinaryMessage, transportErr error) {
		defer e.timeouts.tick()
		defer handle.MarkComplete()

		if transportErr != nil {
			if onFailure != nil {
				onFailure(&wrappedErr{kind: ErrProcessing, cause: transportErr})
			}
			return
		}

		var resp Resp
		if err := e.serializer.Deserialize(ep.SerializationFormat, bm.Bytes, &resp); err != nil {
			if onFailure != nil {
				onFailure(&wrappedErr{kind: ErrProcessing, cause: err})
			}
			return
		}

		if onResponse != nil {
			onResponse(resp)
		}
	}

	handle, err = pg.SendRequest(ctx, ep.Destination, BinaryMessage{Bytes: payload, Type: wireType}, onResponseRaw)
	if err != nil {
		e.logger.Error("send_request failed", "transport_id", ep.TransportID, "destination", ep.Destination, "error", err)
		return nil, wrapTransportErr(err)
	}

	e.timeouts.register(handle, timeout, func(timeoutErr error) {
		if onFailure != nil {
			onFailure(timeoutErr)
		}
		e.emitEvent(context.Background(), EventTypeRequestTimedOut, map[string]any{"destination": ep.Destination})
	})

	return handle, nil
}

// SendRequest is the synchronous form of SendRequestAsync:
// it waits for either a response or engine disposal, whichever comes
// first. A request sent to a topic-style destination returns only the
// first response; the handle is disposed as soon as one arrives, which
// cancels the transport-side correlator for any later ones.
func SendRequest[Req any, Resp any](ctx context.Context, e *Engine, req Req, ep Endpoint, timeout time.Duration) (Resp, error) {
	var zero Resp

	responseCh := make(chan Resp, 1)
	failureCh := make(chan error, 1)

	handle, err := SendRequestAsync[Req, Resp](ctx, e, req, ep,
		func(resp Resp) { responseCh <- resp },
		func(failErr error) { failureCh <- failErr },
		timeout,
	)
	if err != nil {
		return zero, err
	}
	reqHandle := handle.(*RequestHandle) //nolint:forcetypeassert // SendRequestAsync always returns a *RequestHandle

	select {
	case <-e.Disposing():
		reqHandle.MarkComplete()
		_ = reqHandle.Dispose()
		return zero, ErrShutdown
	case resp := <-responseCh:
		reqHandle.MarkComplete()
		_ = reqHandle.Dispose()
		return resp, nil
	case failErr := <-failureCh:
		reqHandle.MarkComplete()
		_ = reqHandle.Dispose()
		if isTimeout(failErr) {
			return zero, failErr
		}
		return zero, &wrappedErr{kind: ErrProcessing, cause: failErr}
	}
}

func isTimeout(err error) bool {
	we, ok := err.(*wrappedErr)
	if !ok {
		return err == ErrTimeout
	}
	return we.kind == ErrTimeout
}
