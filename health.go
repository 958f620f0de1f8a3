package messaging

import "time"

// HealthStatus is the coarse status reported by HealthCheck, grounded
// on modular.HealthStatus enum (modules/eventbus/health.go).
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthReport summarizes the engine's liveness and delivery
// statistics, a supplemented feature grounded on
// modules/eventbus/health.go's HealthCheck but trimmed of the
// module-registry/DI plumbing.
type HealthReport struct {
	Status    HealthStatus
	Message   string
	CheckedAt time.Time
	Details   map[string]any
}

// HealthCheck reports whether the engine is accepting work and
// summarizes its cumulative delivery counters.
func (e *Engine) HealthCheck() HealthReport {
	checkedAt := time.Now()
	stats := e.Stats()
	details := map[string]any{
		"sent":     stats.Sent,
		"received": stats.Received,
		"acked":    stats.Acked,
		"nacked":   stats.Nacked,
		"handles":  e.handles.len(),
	}

	if e.isDisposing() {
		return HealthReport{
			Status:    HealthStatusUnhealthy,
			Message:   "engine is disposing",
			CheckedAt: checkedAt,
			Details:   details,
		}
	}

	if stats.Received > 0 && stats.Nacked > 0 && stats.Nacked*2 > stats.Received {
		return HealthReport{
			Status:    HealthStatusDegraded,
			Message:   "nack rate exceeds 50% of received messages",
			CheckedAt: checkedAt,
			Details:   details,
		}
	}

	return HealthReport{
		Status:    HealthStatusHealthy,
		Message:   "engine accepting work",
		CheckedAt: checkedAt,
		Details:   details,
	}
}
