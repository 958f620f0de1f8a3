package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/relaybus/messaging"
)

// KafkaConfig configures the Kafka transport, grounded on the
// modules/eventbus KafkaConfig (modules/eventbus/kafka.go).
type KafkaConfig struct {
	Brokers        []string          `yaml:"brokers" validate:"required"`
	GroupID        string            `yaml:"group_id" validate:"required"`
	SecurityConfig map[string]string `yaml:"security"`
	Version        string            `yaml:"version"`
}

type kafkaEnvelope struct {
	Type    string `json:"type"`
	Bytes   []byte `json:"bytes"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// KafkaTransport implements messaging.TransportManager over Apache
// Kafka using one SyncProducer and one ConsumerGroup per transport,
// adapted from modules/eventbus/kafka.go's KafkaEventBus: matched
// topics dispatch inside a single shared ConsumerGroupHandler, but
// this transport routes by destination topic name instead of a
// wildcard subscription pattern.
type KafkaTransport struct {
	transportID string
	config      *KafkaConfig
	client      sarama.Client
	producer    sarama.SyncProducer
	group       sarama.ConsumerGroup

	mu       sync.RWMutex
	handlers map[string][]*kafkaDestHandler

	events chan messaging.TransportEvent
	closed int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type kafkaDestHandler struct {
	onMessage func(kafkaEnvelope)
}

// NewKafkaTransport dials the brokers, starts a SyncProducer, and joins
// a consumer group that fans inbound records out by topic.
func NewKafkaTransport(ctx context.Context, transportID string, config *KafkaConfig) (*KafkaTransport, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Consumer.Return.Errors = true
	applyKafkaSecurity(saramaCfg, config.SecurityConfig)

	client, err := sarama.NewClient(config.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to connect to kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(config.GroupID, client)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create kafka consumer group: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	t := &KafkaTransport{
		transportID: transportID,
		config:      config,
		client:      client,
		producer:    producer,
		group:       group,
		handlers:    make(map[string][]*kafkaDestHandler),
		events:      make(chan messaging.TransportEvent, 16),
		cancel:      cancel,
	}

	t.wg.Add(1)
	go t.consumeErrors(cctx)
	return t, nil
}

// applyKafkaSecurity parses a flat security map (TLS/SASL toggles)
// into sarama config fields.
func applyKafkaSecurity(cfg *sarama.Config, sec map[string]string) {
	if sec == nil {
		return
	}
	if sec["tls"] == "true" {
		cfg.Net.TLS.Enable = true
	}
	if mech, ok := sec["sasl_mechanism"]; ok && mech != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLMechanism(mech)
		cfg.Net.SASL.User = sec["sasl_username"]
		cfg.Net.SASL.Password = sec["sasl_password"]
	}
}

func (t *KafkaTransport) consumeErrors(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-t.group.Errors():
			if !ok {
				return
			}
			if err != nil {
				t.emit(messaging.TransportFailure)
			}
		}
	}
}

func (t *KafkaTransport) emit(kind messaging.TransportEventKind) {
	select {
	case t.events <- messaging.TransportEvent{TransportID: t.transportID, Kind: kind}:
	default:
	}
}

func (t *KafkaTransport) ProcessingGroup(transportID, destination string) (messaging.ProcessingGroup, error) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return nil, messaging.ErrEngineNotStarted
	}
	return &kafkaProcessingGroup{transport: t, destination: destination}, nil
}

func (t *KafkaTransport) Events() <-chan messaging.TransportEvent { return t.events }

func (t *KafkaTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.cancel()
	_ = t.group.Close()
	_ = t.producer.Close()
	t.wg.Wait()
	close(t.events)
	return t.client.Close()
}

func (t *KafkaTransport) addHandler(topic string, h *kafkaDestHandler) func() {
	t.mu.Lock()
	t.handlers[topic] = append(t.handlers[topic], h)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.handlers[topic]
		for i, cand := range list {
			if cand == h {
				t.handlers[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// consumerSession implements sarama.ConsumerGroupHandler, dispatching
// each record to every handler registered for its topic (grounded on
// modules/eventbus/kafka.go's KafkaConsumerGroupHandler).
type consumerSession struct{ transport *KafkaTransport }

func (consumerSession) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (consumerSession) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c consumerSession) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var env kafkaEnvelope
			if err := json.Unmarshal(msg.Value, &env); err == nil {
				c.transport.mu.RLock()
				handlers := append([]*kafkaDestHandler(nil), c.transport.handlers[msg.Topic]...)
				c.transport.mu.RUnlock()
				for _, h := range handlers {
					h.onMessage(env)
				}
			}
			session.MarkMessage(msg, "")
		}
	}
}

// ensureConsuming starts a goroutine that consumes topic through the
// transport's consumer group until ctx is done or the transport closes.
// Each call starts its own loop; calls for a topic that is already being
// consumed are not deduplicated.
func (t *KafkaTransport) ensureConsuming(ctx context.Context, topic string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			if atomic.LoadInt32(&t.closed) != 0 {
				return
			}
			if err := t.group.Consume(ctx, []string{topic}, consumerSession{transport: t}); err != nil {
				t.emit(messaging.TransportFailure)
				time.Sleep(time.Second)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

type kafkaProcessingGroup struct {
	transport   *KafkaTransport
	destination string
}

func (g *kafkaProcessingGroup) publish(topic string, env kafkaEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal envelope: %w", err)
	}
	_, _, err = g.transport.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (g *kafkaProcessingGroup) Send(_ context.Context, destination string, msg messaging.BinaryMessage, _ time.Duration) error {
	return g.publish(destination, kafkaEnvelope{Type: msg.Type, Bytes: msg.Bytes})
}

func (g *kafkaProcessingGroup) Subscribe(ctx context.Context, destination string, onMessage func(messaging.BinaryMessage, messaging.RawAckFunc), wireTypeFilter string) (messaging.Teardown, error) {
	g.transport.ensureConsuming(ctx, destination)
	h := &kafkaDestHandler{onMessage: func(env kafkaEnvelope) {
		if wireTypeFilter != "" && env.Type != wireTypeFilter {
			return
		}
		onMessage(messaging.BinaryMessage{Bytes: env.Bytes, Type: env.Type}, func(bool) {})
	}}
	remove := g.transport.addHandler(destination, h)
	return messaging.NewTeardown(remove), nil
}

func (g *kafkaProcessingGroup) RegisterHandler(ctx context.Context, destination string, handler func(messaging.BinaryMessage) (messaging.BinaryMessage, error), wireTypeFilter string) (messaging.Teardown, error) {
	g.transport.ensureConsuming(ctx, destination)
	h := &kafkaDestHandler{onMessage: func(env kafkaEnvelope) {
		if wireTypeFilter != "" && env.Type != wireTypeFilter {
			return
		}
		if env.ReplyTo == "" {
			return
		}
		resp, err := handler(messaging.BinaryMessage{Bytes: env.Bytes, Type: env.Type})
		if err != nil {
			return
		}
		_ = g.publish(env.ReplyTo, kafkaEnvelope{Type: resp.Type, Bytes: resp.Bytes})
	}}
	remove := g.transport.addHandler(destination, h)
	return messaging.NewTeardown(remove), nil
}

func (g *kafkaProcessingGroup) SendRequest(ctx context.Context, destination string, msg messaging.BinaryMessage, onResponse func(messaging.BinaryMessage, error)) (*messaging.RequestHandle, error) {
	replyTopic := destination + ".reply." + uuid.New().String()
	g.transport.ensureConsuming(ctx, replyTopic)

	var disposed int32
	var removeOnce sync.Once
	var remove func()
	handle := messaging.NewRequestHandle(func() {
		atomic.StoreInt32(&disposed, 1)
		removeOnce.Do(func() {
			if remove != nil {
				remove()
			}
		})
	})

	h := &kafkaDestHandler{onMessage: func(env kafkaEnvelope) {
		if atomic.LoadInt32(&disposed) != 0 {
			return
		}
		onResponse(messaging.BinaryMessage{Bytes: env.Bytes, Type: env.Type}, nil)
		removeOnce.Do(func() {
			if remove != nil {
				remove()
			}
		})
	}}
	remove = g.transport.addHandler(replyTopic, h)

	if err := g.publish(destination, kafkaEnvelope{Type: msg.Type, Bytes: msg.Bytes, ReplyTo: replyTopic}); err != nil {
		remove()
		return nil, err
	}
	return handle, nil
}
