package failure

import (
	"context"
	"strings"
	"testing"
)

func paymentCheck(customer string, amount float64) *Check {
	return &Check{
		StepName: "ProcessPayment",
		SagaID:   "saga-1",
		Data: map[string]interface{}{
			"customer_id":  customer,
			"total_amount": amount,
		},
	}
}

func stockCheck(quantity float64) *Check {
	return &Check{
		StepName: "VerifyStock",
		SagaID:   "saga-1",
		Data: map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"product_id": "prod-1", "quantity": quantity},
			},
		},
	}
}

func TestDisabledInjectorNeverFails(t *testing.T) {
	injector := New(DefaultConfig(), nil)

	if f := injector.Evaluate(context.Background(), "payment-service", paymentCheck("cust_failed", 9999)); f != nil {
		t.Errorf("disabled injector returned %v", f)
	}
}

func TestCustomerSuffixForcesPaymentFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	injector := New(cfg, nil)

	f := injector.Evaluate(context.Background(), "payment-service", paymentCheck("cust_failed", 10))
	if f == nil || f.Kind != KindPaymentFailure {
		t.Fatalf("expected payment failure, got %v", f)
	}
	if !strings.Contains(f.Message, "cust_failed") {
		t.Errorf("message should name the customer: %q", f.Message)
	}

	if f := injector.Evaluate(context.Background(), "payment-service", paymentCheck("cust-123", 10)); f != nil {
		t.Errorf("normal customer must pass, got %v", f)
	}
}

func TestAmountThresholdDeclinesPayment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	injector := New(cfg, nil)

	if f := injector.Evaluate(context.Background(), "payment-service", paymentCheck("cust-123", 1000.01)); f == nil || f.Kind != KindPaymentFailure {
		t.Errorf("expected decline above threshold, got %v", f)
	}
	if f := injector.Evaluate(context.Background(), "payment-service", paymentCheck("cust-123", 1000)); f != nil {
		t.Errorf("threshold is exclusive, got %v", f)
	}
}

func TestQuantityThresholdExhaustsStock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	injector := New(cfg, nil)

	if f := injector.Evaluate(context.Background(), "inventory-service", stockCheck(501)); f == nil || f.Kind != KindInsufficientStock {
		t.Errorf("expected stock shortage above threshold, got %v", f)
	}
	if f := injector.Evaluate(context.Background(), "inventory-service", stockCheck(500)); f != nil {
		t.Errorf("threshold is exclusive, got %v", f)
	}
}

func TestDeterministicRulesAreStepScoped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	injector := New(cfg, nil)

	// A huge quantity in a payment step's payload does not trip the
	// stock rule; the rules key on the step being executed.
	check := paymentCheck("cust-123", 10)
	check.Data["items"] = []interface{}{
		map[string]interface{}{"quantity": float64(10000)},
	}
	if f := injector.Evaluate(context.Background(), "payment-service", check); f != nil {
		t.Errorf("stock rule leaked into payment step: %v", f)
	}
}

func TestProbabilisticDrawCertainty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceUnavailableProbability = 1.0
	injector := New(cfg, nil).WithSeed(1)

	f := injector.Evaluate(context.Background(), "order-service", &Check{
		StepName: "ConfirmOrder",
		SagaID:   "saga-1",
		Data:     map[string]interface{}{},
	})
	if f == nil || f.Kind != KindServiceUnavailable {
		t.Fatalf("expected certain service unavailability, got %v", f)
	}

	cfg2 := DefaultConfig()
	cfg2.Enabled = true
	if f := New(cfg2, nil).WithSeed(1).Evaluate(context.Background(), "order-service", &Check{
		StepName: "ConfirmOrder",
		Data:     map[string]interface{}{},
	}); f != nil {
		t.Errorf("zero probabilities must never fail, got %v", f)
	}
}
