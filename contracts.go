package messaging

import (
	"context"
	"sync/atomic"
	"time"
)

// Endpoint addresses a destination a message is sent to or a
// subscription is attached to. It is an immutable value;
// equality is structural.
type Endpoint struct {
	TransportID         string
	Destination         string
	SerializationFormat string
	SharedDestination   bool
}

// Validate checks the preconditions common to every public operation
// that takes an endpoint.
func (e Endpoint) Validate() error {
	if e.Destination == "" {
		return ErrArgument
	}
	return nil
}

// BinaryMessage is the wire-level payload exchanged with a transport:
// an opaque byte sequence tagged with its wire-type name.
type BinaryMessage struct {
	Bytes []byte
	Type  string
}

// RawAckFunc is the transport's own acknowledgement primitive: accept
// commits the message, reject negative-acks it.
type RawAckFunc func(accept bool)

// AckFunc is handed to subscribe/subscribe-multi callbacks.
// delayMs==0 commits/rejects immediately; delayMs>0 defers the raw ack
// by at least delayMs milliseconds.
type AckFunc func(delayMs int, accepted bool)

// RequestHandle is the correlator token for one outstanding
// request/reply exchange. The engine owns exactly one copy
// per outstanding request; Dispose cancels any pending correlator entry
// on the transport side and is idempotent.
type RequestHandle struct {
	DueDate time.Time

	complete int32
	dispose  func()
	disposed int32
}

// NewRequestHandle constructs a handle backed by a transport-supplied
// teardown. dispose is invoked at most once.
func NewRequestHandle(dispose func()) *RequestHandle {
	return &RequestHandle{dispose: dispose}
}

// IsComplete reports whether the exchange has already concluded
// (response received, or otherwise resolved) and is safe to sweep.
func (h *RequestHandle) IsComplete() bool {
	return atomic.LoadInt32(&h.complete) != 0
}

// MarkComplete records that the exchange concluded. Safe to call more
// than once; only the first call has effect on IsComplete.
func (h *RequestHandle) MarkComplete() {
	atomic.StoreInt32(&h.complete, 1)
}

// Dispose cancels the outstanding correlator on the transport side.
// Idempotent.
func (h *RequestHandle) Dispose() error {
	if !atomic.CompareAndSwapInt32(&h.disposed, 0, 1) {
		return nil
	}
	if h.dispose != nil {
		h.dispose()
	}
	return nil
}

// Serializer is the format-keyed serialization contract.
// Implementations live outside the core (package serializer).
type Serializer interface {
	Serialize(format string, typed any) ([]byte, error)
	SerializeObject(format string, value any) ([]byte, error)
	Deserialize(format string, data []byte, out any) error
}

// TransportEventKind distinguishes the tuples a TransportManager emits
// on its event source.
type TransportEventKind int

const (
	// TransportFailure signals that a transport has lost connectivity;
	// handler registrations for that transport should re-register.
	TransportFailure TransportEventKind = iota
	// TransportRecovered signals that a transport has regained connectivity.
	TransportRecovered
)

// TransportEvent is one (transport_id, kind) tuple from a TransportManager's
// event source.
type TransportEvent struct {
	TransportID string
	Kind        TransportEventKind
}

// ProcessingGroup is a per-(transport, destination) channel owned by the
// transport layer.
type ProcessingGroup interface {
	Send(ctx context.Context, destination string, msg BinaryMessage, ttl time.Duration) error

	Subscribe(ctx context.Context, destination string, onMessage func(BinaryMessage, RawAckFunc), wireTypeFilter string) (Teardown, error)

	RegisterHandler(ctx context.Context, destination string, handler func(BinaryMessage) (BinaryMessage, error), wireTypeFilter string) (Teardown, error)

	SendRequest(ctx context.Context, destination string, msg BinaryMessage, onResponse func(BinaryMessage, error)) (*RequestHandle, error)
}

// TransportManager resolves processing groups and exposes a shared
// failure/recovery event stream.
type TransportManager interface {
	ProcessingGroup(transportID, destination string) (ProcessingGroup, error)
	Events() <-chan TransportEvent
	Close() error
}

// Teardown is an IDisposable-style handle returned by subscribe,
// register-handler, and request operations. Dispose is idempotent.
type Teardown interface {
	Dispose() error
}

// teardownFunc adapts a plain function to Teardown, guaranteeing
// at-most-once invocation.
type teardownFunc struct {
	once int32
	fn   func()
}

// NewTeardown wraps fn as an idempotent Teardown.
func NewTeardown(fn func()) Teardown {
	return &teardownFunc{fn: fn}
}

func (t *teardownFunc) Dispose() error {
	if atomic.CompareAndSwapInt32(&t.once, 0, 1) {
		if t.fn != nil {
			t.fn()
		}
	}
	return nil
}

// CompositeTeardown disposes every member exactly once, in order.
type CompositeTeardown []Teardown

func (c CompositeTeardown) Dispose() error {
	var first error
	for _, t := range c {
		if t == nil {
			continue
		}
		if err := t.Dispose(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
