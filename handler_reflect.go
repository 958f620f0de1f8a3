package messaging

import (
	"context"
	"reflect"
)

// RegisterHandlerReflect is the reflection-based counterpart to
// RegisterHandler[Req, Resp]. It exists so the cqrs package's method scanner can register
// handlers discovered at runtime, where Req/Resp are not known as Go
// type parameters at compile time. invoke receives the deserialized
// request value (concrete type reqType) and returns the response value,
// whose wire-type name is resolved from its dynamic type.
func RegisterHandlerReflect(ctx context.Context, e *Engine, ep Endpoint, reqType reflect.Type, invoke func(any) (any, error)) (Teardown, error) {
	if invoke == nil {
		return nil, ErrArgument
	}

	wireCB := func(bm BinaryMessage) (BinaryMessage, error) {
		reqPtr := reflect.New(reqType)
		if err := e.serializer.Deserialize(ep.SerializationFormat, bm.Bytes, reqPtr.Interface()); err != nil {
			return BinaryMessage{}, &wrappedErr{kind: ErrProcessing, cause: err}
		}
		resp, err := invoke(reqPtr.Elem().Interface())
		if err != nil {
			return BinaryMessage{}, &wrappedErr{kind: ErrProcessing, cause: err}
		}
		respWireType := e.resolver.Resolve(resp)
		payload, err := e.serializer.Serialize(ep.SerializationFormat, resp)
		if err != nil {
			return BinaryMessage{}, &wrappedErr{kind: ErrProcessing, cause: err}
		}
		return BinaryMessage{Bytes: payload, Type: respWireType}, nil
	}

	wireFilter := ""
	if ep.SharedDestination {
		wireFilter = e.resolver.ResolveType(reqType)
	}

	return e.registerHandlerCore(ctx, ep, wireCB, wireFilter)
}
