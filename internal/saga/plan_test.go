package saga

import (
	"errors"
	"testing"
	"time"
)

func TestOrderCreationPlanShape(t *testing.T) {
	plan := OrderCreationPlan()

	if plan.Type != TypeOrderCreation {
		t.Errorf("expected OrderCreation type, got %s", plan.Type)
	}

	want := []string{StepVerifyStock, StepReserveStock, StepProcessPayment, StepConfirmOrder}
	if len(plan.Steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(plan.Steps))
	}
	for i, name := range want {
		if plan.Steps[i].Name != name {
			t.Errorf("step %d: expected %s, got %s", i, name, plan.Steps[i].Name)
		}
	}

	if plan.Steps[0].Compensable {
		t.Error("VerifyStock must not be compensable")
	}
	for _, name := range []string{StepReserveStock, StepProcessPayment, StepConfirmOrder} {
		if def := plan.StepByName(name); def == nil || !def.Compensable {
			t.Errorf("%s must be compensable", name)
		}
	}

	if last := plan.Steps[len(plan.Steps)-1]; last.CompletedState != StateCompleted {
		t.Errorf("ConfirmOrder must complete the saga, got %s", last.CompletedState)
	}

	if len(plan.PostSteps) != 1 || plan.PostSteps[0].Name != StepSendNotification {
		t.Errorf("expected SendNotification post step, got %+v", plan.PostSteps)
	}
}

func TestPlanDefaults(t *testing.T) {
	plan := NewPlan(TypeOrderCreation).AddStep(&StepDef{Name: "A", Participant: "svc-a"})

	if plan.Timeout != 5*time.Minute {
		t.Errorf("expected 5m saga timeout default, got %s", plan.Timeout)
	}
	if plan.Steps[0].Timeout != 30*time.Second {
		t.Errorf("expected 30s step timeout default, got %s", plan.Steps[0].Timeout)
	}
}

func TestPlanParticipants(t *testing.T) {
	participants := OrderCreationPlan().Participants()

	seen := make(map[string]bool)
	for _, p := range participants {
		if seen[p] {
			t.Errorf("duplicate participant %s", p)
		}
		seen[p] = true
	}
	for _, want := range []string{ServiceInventory, ServicePayment, ServiceOrder} {
		if !seen[want] {
			t.Errorf("missing participant %s", want)
		}
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(OrderCreationPlan()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(OrderCreationPlan()); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	plan, err := r.Get(TypeOrderCreation)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if plan.Type != TypeOrderCreation {
		t.Errorf("unexpected plan type %s", plan.Type)
	}

	if _, err := r.Get(Type("WarehouseTransfer")); !errors.Is(err, ErrPlanUnknown) {
		t.Errorf("expected ErrPlanUnknown, got %v", err)
	}

	types := r.Types()
	if len(types) != 1 || types[0] != TypeOrderCreation {
		t.Errorf("Types() = %v", types)
	}
}
