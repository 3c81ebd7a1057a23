package saga

import (
	"time"

	"github.com/retailhub/order-saga/internal/events"
)

// Participant service names used by the OrderCreation plan.
const (
	ServiceInventory    = "inventory-service"
	ServicePayment      = "payment-service"
	ServiceOrder        = "order-service"
	ServiceNotification = "notification-service"
)

// Step names of the OrderCreation plan.
const (
	StepVerifyStock      = "VerifyStock"
	StepReserveStock     = "ReserveStock"
	StepProcessPayment   = "ProcessPayment"
	StepConfirmOrder     = "ConfirmOrder"
	StepSendNotification = "SendNotification"
)

// OrderCreationPlan builds the canonical order creation saga:
// VerifyStock -> ReserveStock -> ProcessPayment -> ConfirmOrder, with a
// best-effort SendNotification after completion.
func OrderCreationPlan() *Plan {
	return NewPlan(TypeOrderCreation).
		AddStep(&StepDef{
			Name:            StepVerifyStock,
			Participant:     ServiceInventory,
			InProgressState: StateStockVerifying,
			CompletedState:  StateStockVerified,
			// read-only check, nothing to undo
			Compensable:  false,
			SuccessTopic: events.TopicInventoryVerify,
			SuccessEvent: "stock_verified",
			FailureTopic: events.TopicInventoryVerify,
			FailureEvent: "stock_verification_failed",
		}).
		AddStep(&StepDef{
			Name:              StepReserveStock,
			Participant:       ServiceInventory,
			InProgressState:   StateStockReserving,
			CompletedState:    StateStockReserved,
			Compensable:       true,
			SuccessTopic:      events.TopicInventoryReservation,
			SuccessEvent:      "stock_reserved",
			FailureTopic:      events.TopicInventoryReservation,
			FailureEvent:      "stock_reservation_failed",
			CompensationTopic: events.TopicInventoryRelease,
			CompensationEvent: "stock_released",
		}).
		AddStep(&StepDef{
			Name:              StepProcessPayment,
			Participant:       ServicePayment,
			InProgressState:   StatePaymentProcessing,
			CompletedState:    StatePaymentProcessed,
			Compensable:       true,
			SuccessTopic:      events.TopicPaymentsCompletion,
			SuccessEvent:      "payment_processed",
			FailureTopic:      events.TopicPaymentsFailure,
			FailureEvent:      "payment_failed",
			CompensationTopic: events.TopicPaymentsProcessing,
			CompensationEvent: "payment_refunded",
		}).
		AddStep(&StepDef{
			Name:              StepConfirmOrder,
			Participant:       ServiceOrder,
			InProgressState:   StateOrderConfirming,
			CompletedState:    StateCompleted,
			Compensable:       true,
			SuccessTopic:      events.TopicOrdersConfirmation,
			SuccessEvent:      "order_confirmed",
			FailureTopic:      events.TopicOrdersConfirmation,
			FailureEvent:      "order_confirmation_failed",
			CompensationTopic: events.TopicOrdersCancellation,
			CompensationEvent: "order_cancelled",
		}).
		AddPostStep(&StepDef{
			Name:         StepSendNotification,
			Participant:  ServiceNotification,
			Retries:      5,
			Timeout:      10 * time.Second,
			SuccessTopic: events.TopicOrdersConfirmation,
			SuccessEvent: "order_notification_sent",
			FailureTopic: events.TopicOrdersConfirmation,
			FailureEvent: "order_notification_failed",
		})
}
