package messaging

import (
	"context"
	"sync"
	"sync/atomic"
)

// Engine is the Messaging Engine façade. It orchestrates
// typed send, subscribe, request/reply, and handler registration over a
// pluggable TransportManager, without callers needing to know about wire
// encoding, connection pooling, or acknowledgement semantics.
type Engine struct {
	transport  TransportManager
	serializer Serializer
	logger     Logger
	config     *EngineConfig
	observers  []Observer

	resolver *TypeResolver
	acks     *deferredAckScheduler
	timeouts *requestTimeoutTracker
	counter  *requestCounter
	handles  *handleRegistry
	counters engineCounters

	disposing   int32
	disposingCh chan struct{}
	disposed    chan struct{}
	closeOnce   sync.Once

	eventsWG   sync.WaitGroup
	eventsStop chan struct{}

	listenersMu sync.Mutex
	listeners   map[chan TransportEvent]struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger sets the engine's Logger.
func WithLogger(l Logger) Option { return func(e *Engine) { e.logger = l } }

// WithConfig overrides the default EngineConfig.
func WithConfig(c *EngineConfig) Option { return func(e *Engine) { e.config = c } }

// WithObserver registers a lifecycle Observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// NewEngine constructs an Engine over the given transport and
// serializer. The engine immediately starts listening for transport
// Failure/Recovered events used by handler re-registration.
func NewEngine(transport TransportManager, serializer Serializer, opts ...Option) *Engine {
	e := &Engine{
		transport:   transport,
		serializer:  serializer,
		logger:      noopLogger{},
		config:      DefaultEngineConfig(),
		resolver:    NewTypeResolver(),
		disposingCh: make(chan struct{}),
		disposed:    make(chan struct{}),
		eventsStop:  make(chan struct{}),
		listeners:   make(map[chan TransportEvent]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.acks = newDeferredAckScheduler(e.logger)
	e.timeouts = newRequestTimeoutTracker(e.logger)
	e.counter = newRequestCounter()
	e.handles = newHandleRegistry()

	e.eventsWG.Add(1)
	go e.runEventLoop()

	e.emitEvent(context.Background(), EventTypeEngineStarted, nil)
	return e
}

// runEventLoop fans out transport Failure/Recovered events
// to every handler registration currently listening. A
// single reader on the transport's event channel avoids starving
// registrations against one another.
func (e *Engine) runEventLoop() {
	defer e.eventsWG.Done()
	if e.transport == nil {
		return
	}
	events := e.transport.Events()
	for {
		select {
		case <-e.eventsStop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.listenersMu.Lock()
			for ch := range e.listeners {
				select {
				case ch <- ev:
				default:
					e.logger.Warn("transport event listener backlogged, dropping event", "transport_id", ev.TransportID)
				}
			}
			e.listenersMu.Unlock()
		}
	}
}

// addEventListener registers ch to receive every future transport event.
func (e *Engine) addEventListener(ch chan TransportEvent) {
	e.listenersMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenersMu.Unlock()
}

// removeEventListener unregisters ch.
func (e *Engine) removeEventListener(ch chan TransportEvent) {
	e.listenersMu.Lock()
	delete(e.listeners, ch)
	e.listenersMu.Unlock()
}

// isDisposing reports whether dispose has begun.
func (e *Engine) isDisposing() bool {
	return atomic.LoadInt32(&e.disposing) != 0
}

// Disposing returns a channel closed the instant Dispose begins,
// before any outstanding request is failed with a timeout error. Sync
// request waiters select on this (rather than Done) so a request in
// flight during shutdown is classified as shutdown-cancelled instead
// of racing the timeout tracker's own ErrTimeout resolution.
func (e *Engine) Disposing() <-chan struct{} { return e.disposingCh }

// enterTracked guards disposing and enters a tracked region in one
// step, the precondition shared by send, subscribe, and request
// operations.
func (e *Engine) enterTracked() error {
	if e.isDisposing() {
		return ErrShutdown
	}
	return e.counter.enter()
}

// processingGroupFor resolves the transport processing group for an
// endpoint, wrapping transport errors as ErrTransport.
func (e *Engine) processingGroupFor(ep Endpoint) (ProcessingGroup, error) {
	pg, err := e.transport.ProcessingGroup(ep.TransportID, ep.Destination)
	if err != nil {
		e.logger.Error("failed to acquire processing group", "transport_id", ep.TransportID, "destination", ep.Destination, "error", err)
		return nil, wrapTransportErr(err)
	}
	return pg, nil
}

// Dispose orchestrates graceful shutdown:
//  1. set disposing
//  2. stop the request-timeout tracker (fails outstanding requests with timeout errors)
//  3. force-drain then close the deferred-ack scheduler
//  4. wait for the request counter to reach zero
//  5. dispose every handle in insertion order
//  6. close the transport manager
//
// Steps 2-3 run in that order so synchronous request waiters unblock
// before any ack is lost, and step 4 only then waits for in-flight
// sends/subscribes to exit their tracked regions.
func (e *Engine) Dispose() error {
	var err error
	e.closeOnce.Do(func() {
		atomic.StoreInt32(&e.disposing, 1)
		close(e.disposingCh)
		e.emitEvent(context.Background(), EventTypeEngineDisposing, nil)
		close(e.eventsStop)

		e.timeouts.close()
		e.acks.close()
		e.counter.waitAll()
		e.handles.disposeAll()

		if e.transport != nil {
			if cerr := e.transport.Close(); cerr != nil {
				err = wrapTransportErr(cerr)
			}
		}

		e.eventsWG.Wait()
		close(e.disposed)
		e.emitEvent(context.Background(), EventTypeEngineDisposed, nil)
	})
	return err
}

// Done returns a channel closed once Dispose has completed.
func (e *Engine) Done() <-chan struct{} { return e.disposed }

func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	return &wrappedErr{kind: ErrTransport, cause: err}
}

// wrappedErr pairs an error kind sentinel with its underlying cause so
// errors.Is(err, ErrTransport) and errors.Unwrap both work.
type wrappedErr struct {
	kind  error
	cause error
}

func (w *wrappedErr) Error() string { return w.kind.Error() + ": " + w.cause.Error() }
func (w *wrappedErr) Unwrap() []error { return []error{w.kind, w.cause} }
