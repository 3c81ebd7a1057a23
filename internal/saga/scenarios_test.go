package saga

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/retailhub/order-saga/internal/eventlog"
	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/failure"
	"github.com/retailhub/order-saga/internal/participant"
	"github.com/retailhub/order-saga/pkg/retry"
)

// stack wires the full single-process deployment: in-memory event log,
// real participants behind an httptest HTTP server, the retrying HTTP
// client and the orchestrator.
type stack struct {
	orchestrator *Orchestrator
	store        *MemoryStore
	producer     events.Producer
	log          *eventlog.Log
	inventory    *participant.InventoryParticipant
	server       *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := eventlog.New(8)
	producer := events.NewLogProducer(log)

	injectorCfg := failure.DefaultConfig()
	injectorCfg.Enabled = true
	injector := failure.New(injectorCfg, producer)

	inventory := participant.NewInventoryParticipant(producer, injector)
	payment := participant.NewPaymentParticipant(producer, injector)
	order := participant.NewOrderParticipant(producer, injector)
	notification := participant.NewNotificationParticipant(producer)

	srv := participant.NewServer(participant.NewMemoryRecordStore())
	for _, h := range []participant.Handler{inventory, payment, order, notification} {
		if err := srv.Register(h); err != nil {
			t.Fatalf("register participant: %v", err)
		}
	}

	engine := gin.New()
	srv.Mount(engine)
	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)

	registry := participant.NewRegistry()
	for name, h := range srv.Handlers() {
		registry.Register(&participant.Entry{
			ServiceName:    name,
			BaseURL:        ts.URL,
			SupportedSteps: h.SupportedSteps(),
		})
	}

	client := participant.NewClient(registry, &participant.ClientConfig{
		RequestTimeout: 5 * time.Second,
		Retry: &retry.Config{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
		},
	})

	plans := NewRegistry()
	if err := plans.Register(OrderCreationPlan()); err != nil {
		t.Fatal(err)
	}

	store := NewMemoryStore()
	orchestrator := NewOrchestrator(&OrchestratorConfig{
		Registry: plans,
		Store:    store,
		Producer: producer,
		Caller:   client,
	})

	return &stack{
		orchestrator: orchestrator,
		store:        store,
		producer:     producer,
		log:          log,
		inventory:    inventory,
		server:       ts,
	}
}

func orderOf(orderID, customerID string, amount float64, quantity int) map[string]interface{} {
	return map[string]interface{}{
		"order_id":     orderID,
		"customer_id":  customerID,
		"total_amount": amount,
		"items": []interface{}{
			map[string]interface{}{"product_id": "prod-1", "quantity": float64(quantity)},
		},
	}
}

func eventTypes(t *testing.T, log *eventlog.Log, topic string) map[string]int {
	t.Helper()
	out := make(map[string]int)
	for _, entry := range log.ReadAll(topic) {
		event, err := events.Unmarshal(entry.Value)
		if err != nil {
			t.Fatalf("undecodable event on %s: %v", topic, err)
		}
		out[event.EventType]++
	}
	return out
}

func TestScenarioHappyPath(t *testing.T) {
	s := newStack(t)

	result, err := s.orchestrator.ExecuteSaga(context.Background(), &ExecuteRequest{
		SagaID:  "saga-s1",
		Type:    TypeOrderCreation,
		Payload: orderOf("ord-001", "cust-123", 99.99, 2),
	})
	if err != nil {
		t.Fatalf("ExecuteSaga: %v", err)
	}

	saga := result.Saga
	if saga.CurrentState != StateCompleted {
		t.Fatalf("expected Completed, got %s (%s)", saga.CurrentState, saga.ErrorMessage)
	}
	for _, name := range []string{StepVerifyStock, StepReserveStock, StepProcessPayment, StepConfirmOrder} {
		step := saga.StepByName(name)
		if step == nil || step.Status != StepCompleted {
			t.Errorf("step %s not completed", name)
		}
	}

	confirmation := eventTypes(t, s.log, events.TopicOrdersConfirmation)
	if confirmation["order_confirmed"] == 0 {
		t.Error("expected order_confirmed on orders.confirmation")
	}
	if confirmation["order_notification_sent"] == 0 {
		t.Error("expected order_notification_sent on orders.confirmation")
	}
	if eventTypes(t, s.log, events.TopicSagaOrchestration)["saga_started"] == 0 {
		t.Error("expected saga_started on saga.orchestration")
	}

	// Events for one aggregate share a partition and read back in order.
	entries := s.log.ReadByKey(events.TopicSagaOrchestration, "ord-001")
	for i := 1; i < len(entries); i++ {
		if entries[i].Offset <= entries[i-1].Offset {
			t.Error("per-key events out of order")
		}
	}
}

func TestScenarioPaymentFailureByCustomerSuffix(t *testing.T) {
	s := newStack(t)

	result, err := s.orchestrator.ExecuteSaga(context.Background(), &ExecuteRequest{
		SagaID:  "saga-s2",
		Type:    TypeOrderCreation,
		Payload: orderOf("ord-002", "cust_failed", 50, 1),
	})
	if err != nil {
		t.Fatalf("ExecuteSaga: %v", err)
	}

	saga := result.Saga
	if saga.CurrentState != StateCompensated {
		t.Fatalf("expected Compensated, got %s", saga.CurrentState)
	}

	// ConfirmOrder never ran; the reservation was released.
	if saga.StepByName(StepConfirmOrder) != nil {
		t.Error("ConfirmOrder must not run after a payment failure")
	}
	if step := saga.StepByName(StepReserveStock); step == nil || step.Status != StepCompensated {
		t.Error("expected ReserveStock compensated")
	}
	if s.inventory.ReservedQuantity("saga-s2") != 0 {
		t.Error("expected reservation released")
	}

	if eventTypes(t, s.log, events.TopicInventoryRelease)["stock_released"] == 0 {
		t.Error("expected stock_released on inventory.release")
	}
	if eventTypes(t, s.log, events.TopicPaymentsFailure)["payment_failed"] == 0 {
		t.Error("expected payment_failed on payments.failure")
	}
	if s.producer.Statistics().ByEventType["controlled_failure"] == 0 {
		t.Error("expected a controlled_failure marker event")
	}
}

func TestScenarioInsufficientStockByQuantity(t *testing.T) {
	s := newStack(t)

	result, err := s.orchestrator.ExecuteSaga(context.Background(), &ExecuteRequest{
		SagaID:  "saga-s3",
		Type:    TypeOrderCreation,
		Payload: orderOf("ord-003", "cust-123", 99, 1000),
	})
	if err != nil {
		t.Fatalf("ExecuteSaga: %v", err)
	}

	saga := result.Saga
	if saga.CurrentState != StateCompensated {
		t.Fatalf("expected Compensated, got %s", saga.CurrentState)
	}
	// VerifyStock failed up front: nothing was reserved or charged.
	if saga.StepByName(StepReserveStock) != nil || saga.StepByName(StepProcessPayment) != nil {
		t.Error("no step beyond VerifyStock may run")
	}
	if step := saga.StepByName(StepVerifyStock); step == nil || step.Status != StepFailed {
		t.Error("expected VerifyStock recorded as Failed")
	}
	if eventTypes(t, s.log, events.TopicInventoryVerify)["stock_verification_failed"] == 0 {
		t.Error("expected stock_verification_failed on inventory.verification")
	}
}

func TestScenarioPaymentDeclinedByAmount(t *testing.T) {
	s := newStack(t)

	result, err := s.orchestrator.ExecuteSaga(context.Background(), &ExecuteRequest{
		SagaID:  "saga-s4",
		Type:    TypeOrderCreation,
		Payload: orderOf("ord-004", "cust-123", 1500, 1),
	})
	if err != nil {
		t.Fatalf("ExecuteSaga: %v", err)
	}

	saga := result.Saga
	if saga.CurrentState != StateCompensated {
		t.Fatalf("expected Compensated, got %s", saga.CurrentState)
	}
	if step := saga.StepByName(StepProcessPayment); step == nil || step.Status != StepFailed {
		t.Error("expected ProcessPayment recorded as Failed")
	}
	if s.inventory.ReservedQuantity("saga-s4") != 0 {
		t.Error("expected reservation released")
	}
}

func TestScenarioDuplicateSagaID(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	req := &ExecuteRequest{
		SagaID:  "saga-s5",
		Type:    TypeOrderCreation,
		Payload: orderOf("ord-005", "cust-123", 10, 1),
	}
	if _, err := s.orchestrator.ExecuteSaga(ctx, req); err != nil {
		t.Fatalf("first run: %v", err)
	}

	result, err := s.orchestrator.ExecuteSaga(ctx, req)
	if !errors.Is(err, ErrSagaAlreadyExists) {
		t.Fatalf("expected ErrSagaAlreadyExists, got %v", err)
	}
	if result.Saga.CurrentState != StateCompleted {
		t.Errorf("conflict must return the terminal snapshot, got %s", result.Saga.CurrentState)
	}
	if s.store.Count() != 1 {
		t.Errorf("expected one stored saga, got %d", s.store.Count())
	}
	// The rejected admission leaves no trace on the event log.
	if n := eventTypes(t, s.log, events.TopicSagaOrchestration)["saga_started"]; n != 1 {
		t.Errorf("expected exactly one saga_started event, got %d", n)
	}
}

func TestScenarioCrashRecoveryForcesCompensation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	// A saga left mid-flight by a crash: ReserveStock committed, payment
	// never resolved.
	crashed := NewSaga("saga-s6", TypeOrderCreation, "", orderOf("ord-006", "cust-123", 20, 1))
	crashed.CurrentState = StatePaymentProcessing
	done := time.Now().UTC()
	crashed.Steps = []*Step{
		{Name: StepReserveStock, ParticipantService: ServiceInventory, Status: StepCompleted,
			CompensationRequired: true, StartedAt: done.Add(-time.Second), CompletedAt: &done,
			Data: map[string]interface{}{"order_id": "ord-006"}},
	}
	if err := s.store.CreateSaga(ctx, crashed); err != nil {
		t.Fatal(err)
	}

	recovered, err := s.orchestrator.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != 1 {
		t.Errorf("expected 1 recovered saga, got %d", recovered)
	}

	snapshot, err := s.store.ReadSaga(ctx, "saga-s6")
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.CurrentState != StateCompensated {
		t.Errorf("expected Compensated after recovery, got %s", snapshot.CurrentState)
	}
	if step := snapshot.StepByName(StepReserveStock); step == nil || step.Status != StepCompensated {
		t.Error("expected ReserveStock compensated during recovery")
	}
}
