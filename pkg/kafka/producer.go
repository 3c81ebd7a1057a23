package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a single record to be appended to a topic
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// ProducerConfig holds configuration for the Kafka producer
type ProducerConfig struct {
	Brokers       []string
	ClientID      string
	MaxRetries    int
	RetryInterval time.Duration
}

// Producer wraps a franz-go client for synchronous, acknowledged produces.
// Records with the same key land on the same partition, which preserves
// per-aggregate ordering.
type Producer struct {
	client *kgo.Client
	config *ProducerConfig
}

// NewProducer creates a Kafka producer and verifies broker connectivity
func NewProducer(ctx context.Context, cfg *ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, kgo.RecordRetries(cfg.MaxRetries))
	}
	if cfg.RetryInterval > 0 {
		opts = append(opts, kgo.RetryBackoffFn(func(int) time.Duration { return cfg.RetryInterval }))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka: %w", err)
	}

	return &Producer{client: client, config: cfg}, nil
}

// Produce appends a message synchronously and returns its partition and offset
func (p *Producer) Produce(ctx context.Context, msg *Message) (partition int32, offset int64, err error) {
	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return 0, 0, fmt.Errorf("failed to produce to %s: %w", msg.Topic, err)
	}

	produced, _ := results.First()
	return produced.Partition, produced.Offset, nil
}

// ProduceJSON marshals value to JSON and appends it keyed by key
func (p *Producer) ProduceJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) (partition int32, offset int64, err error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}
	return p.Produce(ctx, &Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
}

// ProduceBatch appends messages synchronously; all-or-nothing per broker ack
func (p *Producer) ProduceBatch(ctx context.Context, msgs []*Message) error {
	records := make([]*kgo.Record, 0, len(msgs))
	for _, msg := range msgs {
		record := &kgo.Record{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}
		for k, v := range msg.Headers {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records = append(records, record)
	}

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce batch: %w", err)
	}
	return nil
}

// Ping verifies broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	p.client.Close()
}
