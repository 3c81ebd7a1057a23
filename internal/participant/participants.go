package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/failure"
)

// ErrUnavailable makes the participant server answer 503, which the
// orchestrator's client retries as a transient error.
var ErrUnavailable = errors.New("participant temporarily unavailable")

// Handler implements one participant service: the two saga RPCs plus
// the service descriptor.
type Handler interface {
	ServiceName() string
	SupportedSteps() []string
	// Execute runs a step. A business rejection is a success=false
	// response; a returned error maps to an infrastructure failure.
	Execute(ctx context.Context, req *ExecuteStepRequest) (*ExecuteStepResponse, error)
	// Compensate undoes a previously successful step.
	Compensate(ctx context.Context, req *CompensateStepRequest) (*CompensateStepResponse, error)
}

// infrastructureFailure translates injected infrastructure kinds into a
// transport error; business kinds become explicit verdicts.
func infrastructureFailure(f *failure.Failure) error {
	switch f.Kind {
	case failure.KindNetworkTimeout, failure.KindDatabaseFailure, failure.KindServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, f.Message)
	}
	return nil
}

func injectionCheck(req *ExecuteStepRequest) *failure.Check {
	return &failure.Check{
		StepName:      req.StepName,
		SagaID:        req.SagaID,
		CorrelationID: req.CorrelationID,
		Data:          req.Data,
	}
}

// publishOutcome is the participant's self-publication: the outcome
// event goes to the domain topic before the RPC returns.
func publishOutcome(ctx context.Context, producer events.Producer, topic, eventType, serviceName string, req *ExecuteStepRequest, data map[string]interface{}) {
	if producer == nil || topic == "" {
		return
	}
	event := events.NewEvent(eventType, req.OrderID, "order", req.CorrelationID, serviceName, data).
		WithSagaID(req.SagaID)
	producer.Publish(ctx, topic, event)
}

// InventoryParticipant verifies and reserves stock. Reservations are
// tracked per saga so compensation can release exactly what was taken.
type InventoryParticipant struct {
	producer events.Producer
	injector *failure.Injector

	mu           sync.Mutex
	reservations map[string]int
}

// NewInventoryParticipant creates the inventory participant.
func NewInventoryParticipant(producer events.Producer, injector *failure.Injector) *InventoryParticipant {
	return &InventoryParticipant{
		producer:     producer,
		injector:     injector,
		reservations: make(map[string]int),
	}
}

func (p *InventoryParticipant) ServiceName() string { return "inventory-service" }

func (p *InventoryParticipant) SupportedSteps() []string {
	return []string{"VerifyStock", "ReserveStock"}
}

func (p *InventoryParticipant) Execute(ctx context.Context, req *ExecuteStepRequest) (*ExecuteStepResponse, error) {
	if p.injector != nil {
		if f := p.injector.Evaluate(ctx, p.ServiceName(), injectionCheck(req)); f != nil {
			if err := infrastructureFailure(f); err != nil {
				return nil, err
			}
			topic := events.TopicInventoryVerify
			eventType := "stock_verification_failed"
			if req.StepName == "ReserveStock" {
				topic = events.TopicInventoryReservation
				eventType = "stock_reservation_failed"
			}
			publishOutcome(ctx, p.producer, topic, eventType, p.ServiceName(), req,
				map[string]interface{}{"error": f.Message})
			return &ExecuteStepResponse{
				Success:      false,
				ErrorMessage: f.Message,
			}, nil
		}
	}

	switch req.StepName {
	case "VerifyStock":
		publishOutcome(ctx, p.producer, events.TopicInventoryVerify, "stock_verified", p.ServiceName(), req, nil)
		return &ExecuteStepResponse{
			Success: true,
			Data:    map[string]interface{}{"stock_verified": true},
		}, nil

	case "ReserveStock":
		qty := totalQuantity(req.Data)
		p.mu.Lock()
		_, existed := p.reservations[req.SagaID]
		p.reservations[req.SagaID] = qty
		p.mu.Unlock()

		reservationID := "rsv-" + req.SagaID
		if !existed {
			publishOutcome(ctx, p.producer, events.TopicInventoryReservation, "stock_reserved", p.ServiceName(), req,
				map[string]interface{}{"reservation_id": reservationID, "quantity": qty})
		}
		return &ExecuteStepResponse{
			Success: true,
			Data:    map[string]interface{}{"reservation_id": reservationID, "reserved_quantity": qty},
		}, nil
	}

	return &ExecuteStepResponse{
		Success:      false,
		ErrorMessage: fmt.Sprintf("unsupported step %s", req.StepName),
	}, nil
}

func (p *InventoryParticipant) Compensate(ctx context.Context, req *CompensateStepRequest) (*CompensateStepResponse, error) {
	if req.StepName != "ReserveStock" {
		// VerifyStock is read-only; compensating it is a no-op.
		return &CompensateStepResponse{Success: true}, nil
	}

	p.mu.Lock()
	qty, existed := p.reservations[req.SagaID]
	delete(p.reservations, req.SagaID)
	p.mu.Unlock()

	if existed {
		publishOutcome(ctx, p.producer, events.TopicInventoryRelease, "stock_released", p.ServiceName(),
			&ExecuteStepRequest{SagaID: req.SagaID, OrderID: orderIDFrom(req.Data), CorrelationID: req.CorrelationID},
			map[string]interface{}{"released_quantity": qty, "reason": req.Reason})
	}
	return &CompensateStepResponse{Success: true}, nil
}

// ReservedQuantity returns the live reservation for a saga (for testing).
func (p *InventoryParticipant) ReservedQuantity(sagaID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservations[sagaID]
}

// PaymentParticipant processes and refunds payments.
type PaymentParticipant struct {
	producer events.Producer
	injector *failure.Injector

	mu       sync.Mutex
	payments map[string]float64
}

// NewPaymentParticipant creates the payment participant.
func NewPaymentParticipant(producer events.Producer, injector *failure.Injector) *PaymentParticipant {
	return &PaymentParticipant{
		producer: producer,
		injector: injector,
		payments: make(map[string]float64),
	}
}

func (p *PaymentParticipant) ServiceName() string { return "payment-service" }

func (p *PaymentParticipant) SupportedSteps() []string { return []string{"ProcessPayment"} }

func (p *PaymentParticipant) Execute(ctx context.Context, req *ExecuteStepRequest) (*ExecuteStepResponse, error) {
	if p.injector != nil {
		if f := p.injector.Evaluate(ctx, p.ServiceName(), injectionCheck(req)); f != nil {
			if err := infrastructureFailure(f); err != nil {
				return nil, err
			}
			publishOutcome(ctx, p.producer, events.TopicPaymentsFailure, "payment_failed", p.ServiceName(), req,
				map[string]interface{}{"error": f.Message})
			return &ExecuteStepResponse{
				Success:      false,
				ErrorMessage: f.Message,
			}, nil
		}
	}

	amount, _ := req.Data["total_amount"].(float64)
	p.mu.Lock()
	_, existed := p.payments[req.SagaID]
	p.payments[req.SagaID] = amount
	p.mu.Unlock()

	transactionID := "txn-" + req.SagaID
	if !existed {
		publishOutcome(ctx, p.producer, events.TopicPaymentsCompletion, "payment_processed", p.ServiceName(), req,
			map[string]interface{}{"transaction_id": transactionID, "amount": amount})
	}
	return &ExecuteStepResponse{
		Success: true,
		Data:    map[string]interface{}{"transaction_id": transactionID, "charged_amount": amount},
	}, nil
}

func (p *PaymentParticipant) Compensate(ctx context.Context, req *CompensateStepRequest) (*CompensateStepResponse, error) {
	p.mu.Lock()
	amount, existed := p.payments[req.SagaID]
	delete(p.payments, req.SagaID)
	p.mu.Unlock()

	if existed {
		publishOutcome(ctx, p.producer, events.TopicPaymentsProcessing, "payment_refunded", p.ServiceName(),
			&ExecuteStepRequest{SagaID: req.SagaID, OrderID: orderIDFrom(req.Data), CorrelationID: req.CorrelationID},
			map[string]interface{}{"refunded_amount": amount, "reason": req.Reason})
	}
	return &CompensateStepResponse{Success: true}, nil
}

// OrderParticipant confirms and cancels orders.
type OrderParticipant struct {
	producer events.Producer
	injector *failure.Injector

	mu        sync.Mutex
	confirmed map[string]bool
}

// NewOrderParticipant creates the order participant.
func NewOrderParticipant(producer events.Producer, injector *failure.Injector) *OrderParticipant {
	return &OrderParticipant{
		producer:  producer,
		injector:  injector,
		confirmed: make(map[string]bool),
	}
}

func (p *OrderParticipant) ServiceName() string { return "order-service" }

func (p *OrderParticipant) SupportedSteps() []string { return []string{"ConfirmOrder"} }

func (p *OrderParticipant) Execute(ctx context.Context, req *ExecuteStepRequest) (*ExecuteStepResponse, error) {
	if p.injector != nil {
		if f := p.injector.Evaluate(ctx, p.ServiceName(), injectionCheck(req)); f != nil {
			if err := infrastructureFailure(f); err != nil {
				return nil, err
			}
			publishOutcome(ctx, p.producer, events.TopicOrdersConfirmation, "order_confirmation_failed", p.ServiceName(), req,
				map[string]interface{}{"error": f.Message})
			return &ExecuteStepResponse{Success: false, ErrorMessage: f.Message}, nil
		}
	}

	p.mu.Lock()
	existed := p.confirmed[req.SagaID]
	p.confirmed[req.SagaID] = true
	p.mu.Unlock()

	if !existed {
		publishOutcome(ctx, p.producer, events.TopicOrdersConfirmation, "order_confirmed", p.ServiceName(), req, nil)
	}
	return &ExecuteStepResponse{
		Success: true,
		Data:    map[string]interface{}{"order_confirmed": true},
	}, nil
}

func (p *OrderParticipant) Compensate(ctx context.Context, req *CompensateStepRequest) (*CompensateStepResponse, error) {
	p.mu.Lock()
	existed := p.confirmed[req.SagaID]
	delete(p.confirmed, req.SagaID)
	p.mu.Unlock()

	if existed {
		publishOutcome(ctx, p.producer, events.TopicOrdersCancellation, "order_cancelled", p.ServiceName(),
			&ExecuteStepRequest{SagaID: req.SagaID, OrderID: orderIDFrom(req.Data), CorrelationID: req.CorrelationID},
			map[string]interface{}{"reason": req.Reason})
	}
	return &CompensateStepResponse{Success: true}, nil
}

// NotificationParticipant sends the post-completion notification. It has
// no compensation; the step is best-effort by plan.
type NotificationParticipant struct {
	producer events.Producer
}

// NewNotificationParticipant creates the notification participant.
func NewNotificationParticipant(producer events.Producer) *NotificationParticipant {
	return &NotificationParticipant{producer: producer}
}

func (p *NotificationParticipant) ServiceName() string { return "notification-service" }

func (p *NotificationParticipant) SupportedSteps() []string { return []string{"SendNotification"} }

func (p *NotificationParticipant) Execute(ctx context.Context, req *ExecuteStepRequest) (*ExecuteStepResponse, error) {
	publishOutcome(ctx, p.producer, events.TopicOrdersConfirmation, "order_notification_sent", p.ServiceName(), req,
		map[string]interface{}{"channel": "email"})
	return &ExecuteStepResponse{
		Success: true,
		Data:    map[string]interface{}{"notified": true},
	}, nil
}

func (p *NotificationParticipant) Compensate(ctx context.Context, req *CompensateStepRequest) (*CompensateStepResponse, error) {
	return &CompensateStepResponse{Success: true}, nil
}

func totalQuantity(data map[string]interface{}) int {
	items, ok := data["items"].([]interface{})
	if !ok {
		return 0
	}
	total := 0
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if qty, ok := item["quantity"].(float64); ok {
			total += int(qty)
		}
	}
	return total
}

func orderIDFrom(data map[string]interface{}) string {
	if v, ok := data["order_id"].(string); ok {
		return v
	}
	return ""
}
