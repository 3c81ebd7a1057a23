package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/retailhub/order-saga/internal/eventlog"
	"github.com/retailhub/order-saga/pkg/kafka"
)

// ErrUnavailable is returned when the log backend cannot accept appends.
// Callers treat a publish failure as step failure so that the event
// always precedes the state commit.
var ErrUnavailable = errors.New("events: log backend unavailable")

// Statistics holds per-topic and per-event-type publish counters.
type Statistics struct {
	TotalPublished int64            `json:"total_published"`
	ByTopic        map[string]int64 `json:"by_topic"`
	ByEventType    map[string]int64 `json:"by_event_type"`
	PublishErrors  int64            `json:"publish_errors"`
}

// Producer appends business events to partitioned topics.
type Producer interface {
	// Publish appends one event and returns its assigned location.
	Publish(ctx context.Context, topic string, event *BusinessEvent) (partition int32, offset int64, err error)
	// PublishBatch appends events in order; it stops at the first failure.
	PublishBatch(ctx context.Context, topic string, events []*BusinessEvent) error
	// Statistics returns a snapshot of the publish counters.
	Statistics() Statistics
}

// counters is the shared statistics accumulator for both producer kinds.
type counters struct {
	mu          sync.Mutex
	total       int64
	byTopic     map[string]int64
	byEventType map[string]int64
	errors      int64
}

func newCounters() *counters {
	return &counters{
		byTopic:     make(map[string]int64),
		byEventType: make(map[string]int64),
	}
}

func (c *counters) record(topic, eventType string) {
	c.mu.Lock()
	c.total++
	c.byTopic[topic]++
	c.byEventType[eventType]++
	c.mu.Unlock()
}

func (c *counters) recordError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *counters) snapshot() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Statistics{
		TotalPublished: c.total,
		ByTopic:        make(map[string]int64, len(c.byTopic)),
		ByEventType:    make(map[string]int64, len(c.byEventType)),
		PublishErrors:  c.errors,
	}
	for k, v := range c.byTopic {
		s.ByTopic[k] = v
	}
	for k, v := range c.byEventType {
		s.ByEventType[k] = v
	}
	return s
}

// LogProducer publishes to the in-memory stream log. Every event is also
// mirrored to the business.events fan-in topic.
type LogProducer struct {
	log      *eventlog.Log
	counters *counters
}

// NewLogProducer creates a producer backed by the given stream log.
func NewLogProducer(log *eventlog.Log) *LogProducer {
	return &LogProducer{log: log, counters: newCounters()}
}

func (p *LogProducer) Publish(ctx context.Context, topic string, event *BusinessEvent) (int32, int64, error) {
	payload, err := event.Marshal()
	if err != nil {
		p.counters.recordError()
		return 0, 0, fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}

	headers := map[string]string{
		"event_type":     event.EventType,
		"correlation_id": event.CorrelationID,
	}

	partition, offset, err := p.log.Append(ctx, topic, event.AggregateID, payload, headers)
	if err != nil {
		p.counters.recordError()
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	event.Topic = topic
	event.Partition = partition
	event.Offset = offset
	p.counters.record(topic, event.EventType)

	if topic != TopicBusinessEvents {
		if _, _, err := p.log.Append(ctx, TopicBusinessEvents, event.AggregateID, payload, headers); err == nil {
			p.counters.record(TopicBusinessEvents, event.EventType)
		}
	}

	return partition, offset, nil
}

func (p *LogProducer) PublishBatch(ctx context.Context, topic string, events []*BusinessEvent) error {
	for _, event := range events {
		if _, _, err := p.Publish(ctx, topic, event); err != nil {
			return err
		}
	}
	return nil
}

func (p *LogProducer) Statistics() Statistics {
	return p.counters.snapshot()
}

// KafkaProducer publishes to Kafka topics through the shared producer.
type KafkaProducer struct {
	producer *kafka.Producer
	counters *counters
}

// NewKafkaProducer creates a producer backed by the Kafka client.
func NewKafkaProducer(producer *kafka.Producer) *KafkaProducer {
	return &KafkaProducer{producer: producer, counters: newCounters()}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, event *BusinessEvent) (int32, int64, error) {
	payload, err := event.Marshal()
	if err != nil {
		p.counters.recordError()
		return 0, 0, fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}

	partition, offset, err := p.producer.Produce(ctx, &kafka.Message{
		Topic: topic,
		Key:   []byte(event.AggregateID),
		Value: payload,
		Headers: map[string]string{
			"event_type":     event.EventType,
			"correlation_id": event.CorrelationID,
		},
	})
	if err != nil {
		p.counters.recordError()
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	event.Topic = topic
	event.Partition = partition
	event.Offset = offset
	p.counters.record(topic, event.EventType)
	return partition, offset, nil
}

func (p *KafkaProducer) PublishBatch(ctx context.Context, topic string, events []*BusinessEvent) error {
	msgs := make([]*kafka.Message, 0, len(events))
	for _, event := range events {
		payload, err := event.Marshal()
		if err != nil {
			p.counters.recordError()
			return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
		}
		msgs = append(msgs, &kafka.Message{
			Topic: topic,
			Key:   []byte(event.AggregateID),
			Value: payload,
			Headers: map[string]string{
				"event_type":     event.EventType,
				"correlation_id": event.CorrelationID,
			},
		})
	}

	if err := p.producer.ProduceBatch(ctx, msgs); err != nil {
		p.counters.recordError()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, event := range events {
		event.Topic = topic
		p.counters.record(topic, event.EventType)
	}
	return nil
}

func (p *KafkaProducer) Statistics() Statistics {
	return p.counters.snapshot()
}
