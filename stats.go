package messaging

import "sync/atomic"

// EngineStats is a snapshot of cumulative delivery counters, grounded
// on modules/eventbus MemoryEventBus.Stats()/PerEngineStats(): counters
// pulled on demand, no hot-path instrumentation overhead.
type EngineStats struct {
	Sent     uint64
	Received uint64
	Acked    uint64
	Nacked   uint64
}

type engineCounters struct {
	sent     uint64
	received uint64
	acked    uint64
	nacked   uint64
}

// Stats returns a point-in-time snapshot of the engine's delivery
// counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Sent:     atomic.LoadUint64(&e.counters.sent),
		Received: atomic.LoadUint64(&e.counters.received),
		Acked:    atomic.LoadUint64(&e.counters.acked),
		Nacked:   atomic.LoadUint64(&e.counters.nacked),
	}
}
