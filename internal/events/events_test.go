package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailhub/order-saga/internal/eventlog"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	event := NewEvent("payment_processed", "ord-001", "order", "corr-1", "payment-service",
		map[string]interface{}{"amount": 100.0, "method": "card"})
	event.WithSagaID("saga-1").WithMetadata("attempt", float64(2))

	payload, err := event.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(payload)
	require.NoError(t, err)

	assert.Equal(t, event.EventID, got.EventID)
	assert.Equal(t, "payment_processed", got.EventType)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "payment-service", got.Source)
	assert.Equal(t, SchemaVersion, got.Version)
	assert.Equal(t, 100.0, got.Data["amount"])
	assert.Equal(t, "saga-1", got.SagaID())
	assert.Equal(t, float64(2), got.Metadata["attempt"])
	assert.True(t, event.Timestamp.Equal(got.Timestamp))
}

func TestUnmarshalBadPayload(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.Error(t, err)
}

func TestLogProducerAssignsLocation(t *testing.T) {
	producer := NewLogProducer(eventlog.New(4))
	ctx := context.Background()

	event := NewEvent("order_created", "ord-001", "order", "corr-1", "order-service", nil)
	partition, offset, err := producer.Publish(ctx, TopicOrdersCreation, event)
	require.NoError(t, err)

	assert.Equal(t, partition, event.Partition)
	assert.Equal(t, offset, event.Offset)
	assert.Equal(t, TopicOrdersCreation, event.Topic)
	assert.Equal(t, int64(0), offset)

	// Same aggregate id: next offset on the same partition.
	second := NewEvent("order_created", "ord-001", "order", "corr-1", "order-service", nil)
	p2, o2, err := producer.Publish(ctx, TopicOrdersCreation, second)
	require.NoError(t, err)
	assert.Equal(t, partition, p2)
	assert.Equal(t, int64(1), o2)
}

func TestLogProducerMirrorsToFanIn(t *testing.T) {
	log := eventlog.New(2)
	producer := NewLogProducer(log)

	event := NewEvent("stock_verified", "ord-002", "order", "corr-2", "inventory-service", nil)
	_, _, err := producer.Publish(context.Background(), TopicInventoryVerify, event)
	require.NoError(t, err)

	assert.Len(t, log.ReadAll(TopicInventoryVerify), 1)
	assert.Len(t, log.ReadAll(TopicBusinessEvents), 1)
}

func TestLogProducerStatistics(t *testing.T) {
	producer := NewLogProducer(eventlog.New(2))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		event := NewEvent("stock_reserved", "ord-003", "order", "c", "inventory-service", nil)
		_, _, err := producer.Publish(ctx, TopicInventoryReservation, event)
		require.NoError(t, err)
	}
	event := NewEvent("payment_failed", "ord-003", "order", "c", "payment-service", nil)
	_, _, err := producer.Publish(ctx, TopicPaymentsFailure, event)
	require.NoError(t, err)

	stats := producer.Statistics()
	assert.Equal(t, int64(3), stats.ByTopic[TopicInventoryReservation])
	assert.Equal(t, int64(1), stats.ByTopic[TopicPaymentsFailure])
	assert.Equal(t, int64(3), stats.ByEventType["stock_reserved"])
	assert.Equal(t, int64(1), stats.ByEventType["payment_failed"])
	// fan-in mirror counted too
	assert.Equal(t, int64(4), stats.ByTopic[TopicBusinessEvents])
}

func TestLogProducerClosedBackend(t *testing.T) {
	log := eventlog.New(1)
	producer := NewLogProducer(log)
	log.Close()

	event := NewEvent("order_created", "ord-004", "order", "c", "order-service", nil)
	_, _, err := producer.Publish(context.Background(), TopicOrdersCreation, event)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(1), producer.Statistics().PublishErrors)
}

func TestPublishBatchStopsAtFirstFailure(t *testing.T) {
	log := eventlog.New(1)
	producer := NewLogProducer(log)

	batch := []*BusinessEvent{
		NewEvent("a", "ord-005", "order", "c", "s", nil),
		NewEvent("b", "ord-005", "order", "c", "s", nil),
	}
	require.NoError(t, producer.PublishBatch(context.Background(), TopicSagaOrchestration, batch))

	log.Close()
	err := producer.PublishBatch(context.Background(), TopicSagaOrchestration, batch)
	assert.ErrorIs(t, err, ErrUnavailable)
}
