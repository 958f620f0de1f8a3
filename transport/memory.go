// Package transport provides TransportManager implementations:
// in-process memory, Redis pub/sub, Kafka, and Kinesis,
// grounded on the modules/eventbus engine set.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaybus/messaging"
)

// MemoryConfig controls the in-process transport, mirroring the
// EventBusConfig worker-pool/delivery-mode knobs.
type MemoryConfig struct {
	WorkerCount    int `yaml:"worker_count" validate:"min=1" env:"WORKER_COUNT"`
	QueueSize      int `yaml:"queue_size" validate:"min=1" env:"QUEUE_SIZE"`
}

// DefaultMemoryConfig returns sane worker-pool defaults.
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{WorkerCount: 8, QueueSize: 256}
}

// MemoryTransport is an in-process TransportManager backed by a
// worker-pool dispatcher, adapted from MemoryEventBus
// (modules/eventbus/memory.go) to the send/subscribe/register-handler/
// request-reply contract instead of plain pub/sub.
type MemoryTransport struct {
	config *MemoryConfig

	mu           sync.RWMutex
	destinations map[string]*destinationState

	jobs   chan func()
	wg     sync.WaitGroup
	events chan messaging.TransportEvent

	closed int32
}

type destinationState struct {
	mu          sync.Mutex
	subscribers map[string]*subscriberEntry
	handler     *handlerEntry
}

type subscriberEntry struct {
	onMessage func(messaging.BinaryMessage, messaging.RawAckFunc)
	filter    string
}

type handlerEntry struct {
	id      string
	fn      func(messaging.BinaryMessage) (messaging.BinaryMessage, error)
	filter  string
}

// NewMemoryTransport starts a worker pool and returns a ready transport.
func NewMemoryTransport(config *MemoryConfig) *MemoryTransport {
	if config == nil {
		config = DefaultMemoryConfig()
	}
	t := &MemoryTransport{
		config:       config,
		destinations: make(map[string]*destinationState),
		jobs:         make(chan func(), config.QueueSize),
		events:       make(chan messaging.TransportEvent, 16),
	}
	for i := 0; i < config.WorkerCount; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

func (t *MemoryTransport) worker() {
	defer t.wg.Done()
	for job := range t.jobs {
		job()
	}
}

func (t *MemoryTransport) submit(job func()) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return
	}
	select {
	case t.jobs <- job:
	default:
		go job()
	}
}

func (t *MemoryTransport) stateFor(destination string) *destinationState {
	t.mu.RLock()
	st, ok := t.destinations[destination]
	t.mu.RUnlock()
	if ok {
		return st
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.destinations[destination]; ok {
		return st
	}
	st = &destinationState{subscribers: make(map[string]*subscriberEntry)}
	t.destinations[destination] = st
	return st
}

// ProcessingGroup returns a handle bound to destination. transportID is
// unused by the memory transport (it has exactly one logical
// transport) but is accepted to satisfy messaging.TransportManager.
func (t *MemoryTransport) ProcessingGroup(transportID, destination string) (messaging.ProcessingGroup, error) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return nil, messaging.ErrEngineNotStarted
	}
	return &memoryProcessingGroup{transport: t, destination: destination}, nil
}

// Events returns the transport's failure/recovery stream. The memory
// transport never fails on its own; FireFailure/FireRecovered below
// exist for tests that exercise handler re-registration.
func (t *MemoryTransport) Events() <-chan messaging.TransportEvent { return t.events }

// FireFailure synthesizes a Failure event, for tests of handler
// re-registration without a real flaky transport.
func (t *MemoryTransport) FireFailure(transportID string) {
	t.emit(messaging.TransportEvent{TransportID: transportID, Kind: messaging.TransportFailure})
}

// FireRecovered synthesizes a Recovered event.
func (t *MemoryTransport) FireRecovered(transportID string) {
	t.emit(messaging.TransportEvent{TransportID: transportID, Kind: messaging.TransportRecovered})
}

func (t *MemoryTransport) emit(ev messaging.TransportEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

// Close stops the worker pool. Idempotent.
func (t *MemoryTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	close(t.jobs)
	t.wg.Wait()
	close(t.events)
	return nil
}

type memoryProcessingGroup struct {
	transport   *MemoryTransport
	destination string
}

func (g *memoryProcessingGroup) Send(_ context.Context, destination string, msg messaging.BinaryMessage, _ time.Duration) error {
	st := g.transport.stateFor(destination)
	st.mu.Lock()
	subs := make([]*subscriberEntry, 0, len(st.subscribers))
	for _, s := range st.subscribers {
		if s.filter == "" || s.filter == msg.Type {
			subs = append(subs, s)
		}
	}
	st.mu.Unlock()

	for _, s := range subs {
		s := s
		g.transport.submit(func() {
			s.onMessage(msg, func(bool) {})
		})
	}
	return nil
}

func (g *memoryProcessingGroup) Subscribe(_ context.Context, destination string, onMessage func(messaging.BinaryMessage, messaging.RawAckFunc), wireTypeFilter string) (messaging.Teardown, error) {
	st := g.transport.stateFor(destination)
	id := uuid.New().String()
	entry := &subscriberEntry{onMessage: onMessage, filter: wireTypeFilter}

	st.mu.Lock()
	st.subscribers[id] = entry
	st.mu.Unlock()

	return messaging.NewTeardown(func() {
		st.mu.Lock()
		delete(st.subscribers, id)
		st.mu.Unlock()
	}), nil
}

func (g *memoryProcessingGroup) RegisterHandler(_ context.Context, destination string, handler func(messaging.BinaryMessage) (messaging.BinaryMessage, error), wireTypeFilter string) (messaging.Teardown, error) {
	st := g.transport.stateFor(destination)
	id := uuid.New().String()
	entry := &handlerEntry{id: id, fn: handler, filter: wireTypeFilter}

	st.mu.Lock()
	st.handler = entry
	st.mu.Unlock()

	return messaging.NewTeardown(func() {
		st.mu.Lock()
		if st.handler != nil && st.handler.id == id {
			st.handler = nil
		}
		st.mu.Unlock()
	}), nil
}

func (g *memoryProcessingGroup) SendRequest(_ context.Context, destination string, msg messaging.BinaryMessage, onResponse func(messaging.BinaryMessage, error)) (*messaging.RequestHandle, error) {
	st := g.transport.stateFor(destination)
	st.mu.Lock()
	h := st.handler
	st.mu.Unlock()
	if h == nil || (h.filter != "" && h.filter != msg.Type) {
		return nil, messaging.ErrProcessing
	}

	var cancelled int32
	handle := messaging.NewRequestHandle(func() { atomic.StoreInt32(&cancelled, 1) })

	g.transport.submit(func() {
		resp, err := h.fn(msg)
		if atomic.LoadInt32(&cancelled) != 0 {
			return
		}
		onResponse(resp, err)
	})

	return handle, nil
}
