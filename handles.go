package messaging

import "sync"

// handleRegistry owns a set of teardown tokens and disposes all of them
// on shutdown. Implemented with an arena/index rather than self-referential tokens: the registry hands
// out integer ids, and the returned Teardown carries only the id plus a
// reference back to the registry, avoiding a heap cycle while keeping
// disposal idempotent.
type handleRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]func()
	order   []uint64
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{entries: make(map[uint64]func())}
}

// createHandle registers destructor and returns a Teardown token. The
// destructor runs at most once, either when the token is disposed
// directly or when the registry disposes it during shutdown.
func (r *handleRegistry) createHandle(destructor func()) Teardown {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.entries[id] = destructor
	r.order = append(r.order, id)
	r.mu.Unlock()

	return &registryHandle{registry: r, id: id}
}

// remove removes id from the registry and returns its destructor if it
// was still present (idempotent: a second removal is a no-op).
func (r *handleRegistry) remove(id uint64) (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return d, true
}

// len reports how many handles are currently registered.
func (r *handleRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// disposeAll disposes every handle, starting from the first and
// re-fetching the head after each disposal since disposal mutates the
// registry.
func (r *handleRegistry) disposeAll() {
	for {
		r.mu.Lock()
		if len(r.order) == 0 {
			r.mu.Unlock()
			return
		}
		id := r.order[0]
		r.order = r.order[1:]
		d, ok := r.entries[id]
		if ok {
			delete(r.entries, id)
		}
		r.mu.Unlock()

		if ok && d != nil {
			d()
		}
	}
}

// registryHandle is the Teardown returned by createHandle.
type registryHandle struct {
	registry *handleRegistry
	id       uint64
}

func (h *registryHandle) Dispose() error {
	if d, ok := h.registry.remove(h.id); ok && d != nil {
		d()
	}
	return nil
}
