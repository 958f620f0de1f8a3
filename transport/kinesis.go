package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"

	"github.com/relaybus/messaging"
)

// KinesisConfig configures the AWS Kinesis transport, grounded on the
// KinesisConfig (modules/eventbus/kinesis.go).
type KinesisConfig struct {
	Region     string `yaml:"region" validate:"required"`
	StreamName string `yaml:"stream_name" validate:"required"`
	ShardCount int32  `yaml:"shard_count" validate:"min=1"`
}

type kinesisEnvelope struct {
	Destination string `json:"destination"`
	Type        string `json:"type"`
	Bytes       []byte `json:"bytes"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

// KinesisTransport implements messaging.TransportManager over a single
// Kinesis stream, one shard-reader goroutine per shard fanning records
// out by the envelope's Destination field (stream-per-transport,
// destination-as-partition-key, mirroring
// modules/eventbus/kinesis.go's topic-as-partition-key convention).
type KinesisTransport struct {
	transportID string
	config      *KinesisConfig
	client      *kinesis.Client

	mu       sync.RWMutex
	handlers map[string][]*kinesisDestHandler

	events   chan messaging.TransportEvent
	closed   int32
	started  int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	rootCtx  context.Context
}

type kinesisDestHandler struct {
	onMessage func(kinesisEnvelope)
}

// NewKinesisTransport loads AWS config for the given region and
// verifies the stream exists.
func NewKinesisTransport(ctx context.Context, transportID string, config *KinesisConfig) (*KinesisTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to load aws config: %w", err)
	}
	client := kinesis.NewFromConfig(cfg)
	if _, err := client.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: &config.StreamName}); err != nil {
		return nil, fmt.Errorf("transport: failed to describe kinesis stream: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	t := &KinesisTransport{
		transportID: transportID,
		config:      config,
		client:      client,
		handlers:    make(map[string][]*kinesisDestHandler),
		events:      make(chan messaging.TransportEvent, 16),
		cancel:      cancel,
		rootCtx:     rootCtx,
	}
	return t, nil
}

func (t *KinesisTransport) emit(kind messaging.TransportEventKind) {
	select {
	case t.events <- messaging.TransportEvent{TransportID: t.transportID, Kind: kind}:
	default:
	}
}

// ensureShardReaders discovers the stream's shards once and starts a
// reader goroutine per shard, lazily on the first ProcessingGroup call.
func (t *KinesisTransport) ensureShardReaders() {
	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		resp, err := t.client.DescribeStream(t.rootCtx, &kinesis.DescribeStreamInput{StreamName: &t.config.StreamName})
		if err != nil {
			t.emit(messaging.TransportFailure)
			return
		}
		for _, shard := range resp.StreamDescription.Shards {
			t.wg.Add(1)
			go t.readShard(*shard.ShardId)
		}
	}()
}

func (t *KinesisTransport) readShard(shardID string) {
	defer t.wg.Done()
	iterResp, err := t.client.GetShardIterator(t.rootCtx, &kinesis.GetShardIteratorInput{
		StreamName:        &t.config.StreamName,
		ShardId:           &shardID,
		ShardIteratorType: types.ShardIteratorTypeLatest,
	})
	if err != nil {
		t.emit(messaging.TransportFailure)
		return
	}
	shardIterator := iterResp.ShardIterator
	healthy := true

	for {
		select {
		case <-t.rootCtx.Done():
			return
		default:
		}
		if shardIterator == nil {
			return
		}
		resp, err := t.client.GetRecords(t.rootCtx, &kinesis.GetRecordsInput{ShardIterator: shardIterator})
		if err != nil {
			if healthy {
				healthy = false
				t.emit(messaging.TransportFailure)
			}
			time.Sleep(time.Second)
			continue
		}
		if !healthy {
			healthy = true
			t.emit(messaging.TransportRecovered)
		}
		for _, record := range resp.Records {
			var env kinesisEnvelope
			if err := json.Unmarshal(record.Data, &env); err != nil {
				continue
			}
			t.mu.RLock()
			handlers := append([]*kinesisDestHandler(nil), t.handlers[env.Destination]...)
			t.mu.RUnlock()
			for _, h := range handlers {
				h.onMessage(env)
			}
		}
		shardIterator = resp.NextShardIterator
	}
}

func (t *KinesisTransport) addHandler(destination string, h *kinesisDestHandler) func() {
	t.mu.Lock()
	t.handlers[destination] = append(t.handlers[destination], h)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.handlers[destination]
		for i, cand := range list {
			if cand == h {
				t.handlers[destination] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (t *KinesisTransport) publish(ctx context.Context, destination string, env kinesisEnvelope) error {
	env.Destination = destination
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal envelope: %w", err)
	}
	_, err = t.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   &t.config.StreamName,
		Data:         data,
		PartitionKey: &destination,
	})
	return err
}

func (t *KinesisTransport) ProcessingGroup(transportID, destination string) (messaging.ProcessingGroup, error) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return nil, messaging.ErrEngineNotStarted
	}
	t.ensureShardReaders()
	return &kinesisProcessingGroup{transport: t, destination: destination}, nil
}

func (t *KinesisTransport) Events() <-chan messaging.TransportEvent { return t.events }

func (t *KinesisTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	close(t.events)
	return nil
}

type kinesisProcessingGroup struct {
	transport   *KinesisTransport
	destination string
}

func (g *kinesisProcessingGroup) Send(ctx context.Context, destination string, msg messaging.BinaryMessage, _ time.Duration) error {
	return g.transport.publish(ctx, destination, kinesisEnvelope{Type: msg.Type, Bytes: msg.Bytes})
}

func (g *kinesisProcessingGroup) Subscribe(_ context.Context, destination string, onMessage func(messaging.BinaryMessage, messaging.RawAckFunc), wireTypeFilter string) (messaging.Teardown, error) {
	h := &kinesisDestHandler{onMessage: func(env kinesisEnvelope) {
		if wireTypeFilter != "" && env.Type != wireTypeFilter {
			return
		}
		onMessage(messaging.BinaryMessage{Bytes: env.Bytes, Type: env.Type}, func(bool) {})
	}}
	remove := g.transport.addHandler(destination, h)
	return messaging.NewTeardown(remove), nil
}

func (g *kinesisProcessingGroup) RegisterHandler(ctx context.Context, destination string, handler func(messaging.BinaryMessage) (messaging.BinaryMessage, error), wireTypeFilter string) (messaging.Teardown, error) {
	h := &kinesisDestHandler{onMessage: func(env kinesisEnvelope) {
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
		_ = g.transport.publish(ctx, env.ReplyTo, kinesisEnvelope{Type: resp.Type, Bytes: resp.Bytes})
	}}
	remove := g.transport.addHandler(destination, h)
	return messaging.NewTeardown(remove), nil
}

func (g *kinesisProcessingGroup) SendRequest(ctx context.Context, destination string, msg messaging.BinaryMessage, onResponse func(messaging.BinaryMessage, error)) (*messaging.RequestHandle, error) {
	replyTo := destination + ".reply." + uuid.New().String()

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

	h := &kinesisDestHandler{onMessage: func(env kinesisEnvelope) {
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
	remove = g.transport.addHandler(replyTo, h)

	if err := g.transport.publish(ctx, destination, kinesisEnvelope{Type: msg.Type, Bytes: msg.Bytes, ReplyTo: replyTo}); err != nil {
		remove()
		return nil, err
	}
	return handle, nil
}
