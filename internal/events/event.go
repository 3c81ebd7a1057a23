// Package events defines the business event envelope and the producers
// that append events to the stream log or to Kafka.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topic names. business.events is the fan-in of everything; domain
// topics carry one concern each.
const (
	TopicBusinessEvents       = "business.events"
	TopicSagaOrchestration    = "saga.orchestration"
	TopicOrdersCreation       = "orders.creation"
	TopicOrdersConfirmation   = "orders.confirmation"
	TopicOrdersCancellation   = "orders.cancellation"
	TopicInventoryVerify      = "inventory.verification"
	TopicInventoryReservation = "inventory.reservation"
	TopicInventoryRelease     = "inventory.release"
	TopicPaymentsProcessing   = "payments.processing"
	TopicPaymentsCompletion   = "payments.completion"
	TopicPaymentsFailure      = "payments.failure"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// BusinessEvent is the canonical event envelope. Partition and Offset
// are assigned on append and are zero until then.
type BusinessEvent struct {
	EventID       string                 `json:"eventId"`
	EventType     string                 `json:"eventType"`
	AggregateID   string                 `json:"-"`
	AggregateType string                 `json:"-"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Source        string                 `json:"source"`
	Version       int                    `json:"version"`
	Data          map[string]interface{} `json:"data"`
	Metadata      map[string]interface{} `json:"metadata"`

	Topic     string `json:"-"`
	Partition int32  `json:"-"`
	Offset    int64  `json:"-"`
}

// NewEvent builds an envelope with a fresh event id and the current time.
// The aggregate id doubles as the partition key.
func NewEvent(eventType, aggregateID, aggregateType, correlationID, source string, data map[string]interface{}) *BusinessEvent {
	return &BusinessEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Source:        source,
		Version:       SchemaVersion,
		Data:          data,
		Metadata:      map[string]interface{}{},
	}
}

// WithSagaID records the owning saga in the envelope metadata.
func (e *BusinessEvent) WithSagaID(sagaID string) *BusinessEvent {
	e.Metadata["sagaId"] = sagaID
	return e
}

// WithMetadata sets an arbitrary metadata key.
func (e *BusinessEvent) WithMetadata(key string, value interface{}) *BusinessEvent {
	e.Metadata[key] = value
	return e
}

// SagaID returns the saga id from metadata, or "" when the event is not
// part of a saga.
func (e *BusinessEvent) SagaID() string {
	if v, ok := e.Metadata["sagaId"].(string); ok {
		return v
	}
	return ""
}

// wireEvent carries the non-serialized routing fields across the wire so
// deserialization restores the full envelope.
type wireEvent struct {
	EventID       string                 `json:"eventId"`
	EventType     string                 `json:"eventType"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Source        string                 `json:"source"`
	Version       int                    `json:"version"`
	Data          map[string]interface{} `json:"data"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Marshal serializes the envelope with the canonical JSON keys.
func (e *BusinessEvent) Marshal() ([]byte, error) {
	return json.Marshal(wireEvent{
		EventID:       e.EventID,
		EventType:     e.EventType,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		Source:        e.Source,
		Version:       e.Version,
		Data:          e.Data,
		Metadata:      e.Metadata,
	})
}

// Unmarshal restores an envelope from its wire form.
func Unmarshal(data []byte) (*BusinessEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	e := &BusinessEvent{
		EventID:       w.EventID,
		EventType:     w.EventType,
		Timestamp:     w.Timestamp,
		CorrelationID: w.CorrelationID,
		Source:        w.Source,
		Version:       w.Version,
		Data:          w.Data,
		Metadata:      w.Metadata,
	}
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	return e, nil
}
