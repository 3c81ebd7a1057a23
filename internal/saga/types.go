// Package saga implements the orchestrated saga core: the state machine,
// the step plan registry, the state store with its transition log, the
// per-saga lock, the orchestrator and the compensation engine.
package saga

import (
	"time"
)

// State is the current state of a saga. States are versioned with the
// saga type; the constants below cover OrderCreation.
type State string

const (
	StateStarted           State = "Started"
	StateStockVerifying    State = "StockVerifying"
	StateStockVerified     State = "StockVerified"
	StateStockReserving    State = "StockReserving"
	StateStockReserved     State = "StockReserved"
	StatePaymentProcessing State = "PaymentProcessing"
	StatePaymentProcessed  State = "PaymentProcessed"
	StateOrderConfirming   State = "OrderConfirming"
	StateCompleted         State = "Completed"
	StateFailed            State = "Failed"
	StateCompensating      State = "Compensating"
	StateCompensated       State = "Compensated"
)

// IsTerminal reports whether the state is absorbing. Once a saga enters
// a terminal state no further transitions are recorded.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCompensated
}

// StepStatus is the status of a single saga step. It moves monotonically
// forward except Completed -> Compensated during rollback.
type StepStatus string

const (
	StepPending     StepStatus = "Pending"
	StepInProgress  StepStatus = "InProgress"
	StepCompleted   StepStatus = "Completed"
	StepFailed      StepStatus = "Failed"
	StepCompensated StepStatus = "Compensated"
)

// EventKind classifies a transition record.
type EventKind string

const (
	KindSuccess      EventKind = "Success"
	KindFailure      EventKind = "Failure"
	KindCompensation EventKind = "Compensation"
)

// Type identifies a saga plan.
type Type string

const TypeOrderCreation Type = "OrderCreation"

// Saga is the durable record of one saga run. It owns an ordered list
// of step records and an append-only transition log.
type Saga struct {
	ID            string                 `json:"saga_id"`
	Type          Type                   `json:"saga_type"`
	CorrelationID string                 `json:"correlation_id"`
	CurrentState  State                  `json:"current_state"`
	Payload       map[string]interface{} `json:"payload"`
	Steps         []*Step                `json:"steps"`
	Transitions   []*Transition          `json:"transitions"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// NewSaga creates a saga record in the Started state. CorrelationID
// defaults to the saga id.
func NewSaga(id string, sagaType Type, correlationID string, payload map[string]interface{}) *Saga {
	now := time.Now().UTC()
	if correlationID == "" {
		correlationID = id
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &Saga{
		ID:            id,
		Type:          sagaType,
		CorrelationID: correlationID,
		CurrentState:  StateStarted,
		Payload:       payload,
		Steps:         make([]*Step, 0),
		Transitions:   make([]*Transition, 0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StepByName returns the recorded step with the given name, or nil.
func (s *Saga) StepByName(name string) *Step {
	for _, step := range s.Steps {
		if step.Name == name {
			return step
		}
	}
	return nil
}

// CompletedSteps returns steps whose status is Completed and that
// require compensation, ordered by descending completed_at. This is the
// compensation walk order.
func (s *Saga) CompletedSteps() []*Step {
	var out []*Step
	for _, step := range s.Steps {
		if step.Status == StepCompleted && step.CompensationRequired {
			out = append(out, step)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && after(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func after(a, b *Step) bool {
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return false
	}
	return a.CompletedAt.After(*b.CompletedAt)
}

// NextTransitionID returns the id for the next transition to append.
// Per-saga transition ids are strictly increasing from 1.
func (s *Saga) NextTransitionID() int64 {
	if len(s.Transitions) == 0 {
		return 1
	}
	return s.Transitions[len(s.Transitions)-1].ID + 1
}

// Step is the record of a single step within a saga.
type Step struct {
	ID                   string                 `json:"step_id"`
	Name                 string                 `json:"step_name"`
	ParticipantService   string                 `json:"participant_service"`
	Status               StepStatus             `json:"status"`
	Data                 map[string]interface{} `json:"data,omitempty"`
	ErrorMessage         string                 `json:"error_message,omitempty"`
	CompensationRequired bool                   `json:"compensation_required"`
	StartedAt            time.Time              `json:"started_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
	CompensatedAt        *time.Time             `json:"compensated_at,omitempty"`
}

// Transition is an immutable log record of one state change.
type Transition struct {
	ID          int64                  `json:"transition_id"`
	SagaID      string                 `json:"saga_id"`
	FromState   State                  `json:"from_state"`
	ToState     State                  `json:"to_state"`
	Timestamp   time.Time              `json:"timestamp"`
	ServiceName string                 `json:"service_name"`
	Action      string                 `json:"action"`
	EventKind   EventKind              `json:"event_kind"`
	Message     string                 `json:"message,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}
