package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaybus/messaging"
)

// RedisConfig configures the Redis pub/sub transport, grounded on the
// modules/eventbus RedisConfig (modules/eventbus/redis.go),
// upgraded from go-redis/v8 to v9.
type RedisConfig struct {
	URL      string `yaml:"url" validate:"required" env:"URL"`
	DB       int    `yaml:"db" env:"DB"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	PoolSize int    `yaml:"pool_size" validate:"min=1" env:"POOL_SIZE"`

	// PingInterval controls how often the connection watcher probes the
	// server to emit Failure/Recovered transport events.
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
}

// DefaultRedisConfig returns conservative defaults matching the
// RedisConfig zero-value fallbacks.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{URL: "redis://localhost:6379", PoolSize: 10, PingInterval: 5 * time.Second}
}

// redisEnvelope is the JSON wire frame published to a Redis channel. It
// carries the wire-type name alongside the payload since Redis pub/sub
// is itself untyped, and an optional ReplyTo inbox for request/reply.
type redisEnvelope struct {
	Type    string `json:"type"`
	Bytes   []byte `json:"bytes"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// RedisTransport implements messaging.TransportManager over Redis
// pub/sub (PUBLISH/SUBSCRIBE), grounded on
// modules/eventbus/redis.go's RedisEventBus.
type RedisTransport struct {
	transportID string
	config      *RedisConfig
	client      *redis.Client

	events chan messaging.TransportEvent
	closed int32

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewRedisTransport dials Redis and starts a connection watcher that
// emits TransportFailure/TransportRecovered on ping transitions, the
// signal messaging's handler re-registration reacts to.
func NewRedisTransport(ctx context.Context, transportID string, config *RedisConfig) (*RedisTransport, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid redis url: %w", err)
	}
	opts.DB = config.DB
	opts.PoolSize = config.PoolSize
	if config.Username != "" {
		opts.Username = config.Username
	}
	if config.Password != "" {
		opts.Password = config.Password
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("transport: failed to connect to redis: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		transportID: transportID,
		config:      config,
		client:      client,
		events:      make(chan messaging.TransportEvent, 16),
		watchCancel: cancel,
	}
	t.wg.Add(1)
	go t.watchConnection(watchCtx)
	return t, nil
}

func (t *RedisTransport) watchConnection(ctx context.Context) {
	defer t.wg.Done()
	interval := t.config.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := t.client.Ping(ctx).Result()
			switch {
			case err != nil && healthy:
				healthy = false
				t.emit(messaging.TransportFailure)
			case err == nil && !healthy:
				healthy = true
				t.emit(messaging.TransportRecovered)
			}
		}
	}
}

func (t *RedisTransport) emit(kind messaging.TransportEventKind) {
	select {
	case t.events <- messaging.TransportEvent{TransportID: t.transportID, Kind: kind}:
	default:
	}
}

// ProcessingGroup returns a handle bound to a Redis channel name.
func (t *RedisTransport) ProcessingGroup(transportID, destination string) (messaging.ProcessingGroup, error) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return nil, messaging.ErrEngineNotStarted
	}
	return &redisProcessingGroup{transport: t, destination: destination}, nil
}

func (t *RedisTransport) Events() <-chan messaging.TransportEvent { return t.events }

// Close stops the connection watcher and closes the client.
func (t *RedisTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.watchCancel()
	t.wg.Wait()
	close(t.events)
	return t.client.Close()
}

type redisProcessingGroup struct {
	transport   *RedisTransport
	destination string
}

func (g *redisProcessingGroup) publish(ctx context.Context, channel string, env redisEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal envelope: %w", err)
	}
	return g.transport.client.Publish(ctx, channel, payload).Err()
}

func (g *redisProcessingGroup) Send(ctx context.Context, destination string, msg messaging.BinaryMessage, _ time.Duration) error {
	return g.publish(ctx, destination, redisEnvelope{Type: msg.Type, Bytes: msg.Bytes})
}

func (g *redisProcessingGroup) Subscribe(ctx context.Context, destination string, onMessage func(messaging.BinaryMessage, messaging.RawAckFunc), wireTypeFilter string) (messaging.Teardown, error) {
	pubsub := g.transport.client.Subscribe(ctx, destination)
	ch := pubsub.Channel()

	done := make(chan struct{})
	g.transport.wg.Add(1)
	go func() {
		defer g.transport.wg.Done()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env redisEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				if wireTypeFilter != "" && env.Type != wireTypeFilter {
					continue
				}
				onMessage(messaging.BinaryMessage{Bytes: env.Bytes, Type: env.Type}, func(bool) {})
			}
		}
	}()

	return messaging.NewTeardown(func() {
		close(done)
		_ = pubsub.Close()
	}), nil
}

func (g *redisProcessingGroup) RegisterHandler(ctx context.Context, destination string, handler func(messaging.BinaryMessage) (messaging.BinaryMessage, error), wireTypeFilter string) (messaging.Teardown, error) {
	pubsub := g.transport.client.Subscribe(ctx, destination)
	ch := pubsub.Channel()

	done := make(chan struct{})
	g.transport.wg.Add(1)
	go func() {
		defer g.transport.wg.Done()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env redisEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				if wireTypeFilter != "" && env.Type != wireTypeFilter {
					continue
				}
				if env.ReplyTo == "" {
					continue
				}
				resp, err := handler(messaging.BinaryMessage{Bytes: env.Bytes, Type: env.Type})
				if err != nil {
					continue
				}
				_ = g.publish(ctx, env.ReplyTo, redisEnvelope{Type: resp.Type, Bytes: resp.Bytes})
			}
		}
	}()

	return messaging.NewTeardown(func() {
		close(done)
		_ = pubsub.Close()
	}), nil
}

func (g *redisProcessingGroup) SendRequest(ctx context.Context, destination string, msg messaging.BinaryMessage, onResponse func(messaging.BinaryMessage, error)) (*messaging.RequestHandle, error) {
	replyTo := destination + ".reply." + uuid.New().String()
	pubsub := g.transport.client.Subscribe(ctx, replyTo)
	ch := pubsub.Channel()

	var disposed int32
	handle := messaging.NewRequestHandle(func() {
		atomic.StoreInt32(&disposed, 1)
		_ = pubsub.Close()
	})

	g.transport.wg.Add(1)
	go func() {
		defer g.transport.wg.Done()
		msg, ok := <-ch
		if !ok || atomic.LoadInt32(&disposed) != 0 {
			return
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			onResponse(messaging.BinaryMessage{}, err)
			return
		}
		onResponse(messaging.BinaryMessage{Bytes: env.Bytes, Type: env.Type}, nil)
		_ = pubsub.Close()
	}()

	if err := g.publish(ctx, destination, redisEnvelope{Type: msg.Type, Bytes: msg.Bytes, ReplyTo: replyTo}); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	return handle, nil
}
