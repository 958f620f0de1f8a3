package cqrs

import (
	"context"
	"reflect"
	"strings"

	"github.com/relaybus/messaging"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// DestinationNamer derives a destination string from a request type,
// used by ScanHandlers when a discovered method doesn't take an
// explicit destination argument.
type DestinationNamer func(reqType reflect.Type) string

// DefaultDestinationNamer derives a destination from the request
// type's bare name (e.g. CreateOrder -> "CreateOrder").
func DefaultDestinationNamer(reqType reflect.Type) string {
	t := reqType
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// ScanHandlers discovers request/reply handler methods on obj by
// reflection and registers each one against e. A qualifying method:
//   - has a name starting with "Handle"
//   - takes exactly one request argument, or a request argument
//     followed by a string argument
//   - returns exactly (response, error)
//
// base supplies the TransportID/SerializationFormat/SharedDestination
// common to every discovered handler; each handler's Destination is
// namer(reqType). A method with a string argument receives that
// destination as the argument on every call.
func ScanHandlers(ctx context.Context, e *messaging.Engine, obj any, base messaging.Endpoint, namer DestinationNamer) (messaging.Teardown, error) {
	if namer == nil {
		namer = DefaultDestinationNamer
	}
	v := reflect.ValueOf(obj)
	t := v.Type()

	var registered messaging.CompositeTeardown
	for i := 0; i < t.NumMethod(); i++ {
		methodType := t.Method(i)
		if !strings.HasPrefix(methodType.Name, "Handle") {
			continue
		}
		m := v.Method(i)
		mt := m.Type()
		if mt.NumOut() != 2 || !mt.Out(1).Implements(errorType) {
			continue
		}

		hasDestArg := mt.NumIn() == 2 && mt.In(1).Kind() == reflect.String
		if mt.NumIn() != 1 && !hasDestArg {
			continue
		}

		reqType := mt.In(0)
		destination := namer(reqType)
		if hasDestArg {
			// The string argument does not choose the destination: the
			// scanner always registers under, and passes in, the
			// namer-derived destination.
		}

		method := m
		invoke := func(req any) (any, error) {
			args := []reflect.Value{reflect.ValueOf(req)}
			if hasDestArg {
				args = append(args, reflect.ValueOf(destination))
			}
			out := method.Call(args)
			if errVal := out[1].Interface(); errVal != nil {
				return nil, errVal.(error)
			}
			return out[0].Interface(), nil
		}

		ep := base
		ep.Destination = destination

		td, err := messaging.RegisterHandlerReflect(ctx, e, ep, reqType, invoke)
		if err != nil {
			_ = registered.Dispose()
			return nil, err
		}
		registered = append(registered, td)
	}

	return registered, nil
}
