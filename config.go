package messaging

import "time"

// Default configuration values.
const (
	// DefaultUnackDelay is the reject-and-redeliver delay applied when the
	// engine itself fails to process an inbound message (deserialization
	// error or a panicking/erroring user callback).
	DefaultUnackDelay = 60 * time.Second

	// DefaultMessageLifespan means infinite: a ttl of zero never expires
	// at the broker.
	DefaultMessageLifespan = 0 * time.Second

	// HandlerReregisterInterval is the backoff between failed attempts to
	// re-install a reply handler after a transport Failure event.
	HandlerReregisterInterval = 60 * time.Second
)

// EngineConfig configures the Messaging Engine. Tags follow the
// validate/yaml/env convention (modules/eventbus.EventBusConfig).
type EngineConfig struct {
	// UnackDelay is the delay applied to the internal negative-ack issued
	// after a deserialization failure or callback panic/error.
	UnackDelay time.Duration `yaml:"unackDelay" validate:"min=0" env:"UNACK_DELAY"`

	// HandlerReregisterInterval is the retry backoff between failed
	// attempts to reinstall a reply handler after a transport failure.
	HandlerReregisterInterval time.Duration `yaml:"handlerReregisterInterval" validate:"min=0" env:"HANDLER_REREGISTER_INTERVAL"`

	// SchedulerGranularity is carried in the configuration but is not read
	// by the engine: the Deferred-Ack Scheduler and Request-Timeout
	// Tracker arm their timers for each entry's own due time.
	SchedulerGranularity time.Duration `yaml:"schedulerGranularity" validate:"min=0" env:"SCHEDULER_GRANULARITY"`
}

// DefaultEngineConfig returns an EngineConfig populated with the
// package defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		UnackDelay:                DefaultUnackDelay,
		HandlerReregisterInterval: HandlerReregisterInterval,
		SchedulerGranularity:      5 * time.Millisecond,
	}
}
