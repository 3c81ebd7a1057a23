// Package failure implements the controlled failure injector used to
// exercise saga failure paths. Injected failures are distinguishable
// from real ones by their controlled_failure events and counter.
package failure

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/metrics"
)

// Kind identifies an injected failure.
type Kind string

const (
	KindInsufficientStock  Kind = "insufficient_stock"
	KindPaymentFailure     Kind = "payment_failure"
	KindNetworkTimeout     Kind = "network_timeout"
	KindDatabaseFailure    Kind = "database_failure"
	KindServiceUnavailable Kind = "service_unavailable"
)

// Config enumerates the injection options. Probabilities are independent
// per-call draws in [0, 1]. Deterministic rules take precedence over the
// draws so tests are repeatable.
type Config struct {
	Enabled bool

	InsufficientStockProbability  float64
	PaymentFailureProbability     float64
	NetworkTimeoutProbability     float64
	DatabaseFailureProbability    float64
	ServiceUnavailableProbability float64

	// FailureDelay is injected before every failure is returned.
	FailureDelay time.Duration

	// Deterministic thresholds. A customer id with the FailedCustomerSuffix
	// forces a payment failure; an amount above PaymentAmountThreshold is
	// declined; a quantity above StockQuantityThreshold is out of stock.
	FailedCustomerSuffix   string
	PaymentAmountThreshold float64
	StockQuantityThreshold int
}

// DefaultConfig returns an injector configuration with everything off.
func DefaultConfig() *Config {
	return &Config{
		FailedCustomerSuffix:   "_failed",
		PaymentAmountThreshold: 1000,
		StockQuantityThreshold: 500,
	}
}

// Failure is the verdict of an injection check.
type Failure struct {
	Kind    Kind
	Message string
}

// Check describes one step execution being evaluated for injection.
type Check struct {
	StepName      string
	SagaID        string
	CorrelationID string
	Data          map[string]interface{}
}

// Injector decides per call whether to reject a step or compensation.
type Injector struct {
	config   *Config
	producer events.Producer

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an injector. The producer may be nil; injected failures
// are then only counted, not published.
func New(config *Config, producer events.Producer) *Injector {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailedCustomerSuffix == "" {
		config.FailedCustomerSuffix = "_failed"
	}
	return &Injector{
		config:   config,
		producer: producer,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSeed fixes the probabilistic draw sequence (for testing).
func (i *Injector) WithSeed(seed int64) *Injector {
	i.mu.Lock()
	i.rng = rand.New(rand.NewSource(seed))
	i.mu.Unlock()
	return i
}

// Evaluate checks one ExecuteStep call. It returns nil when the call
// should proceed.
func (i *Injector) Evaluate(ctx context.Context, service string, check *Check) *Failure {
	if !i.config.Enabled {
		return nil
	}

	if f := i.deterministic(check); f != nil {
		i.inject(ctx, service, check.SagaID, check.CorrelationID, f)
		return f
	}
	if f := i.probabilistic(); f != nil {
		i.inject(ctx, service, check.SagaID, check.CorrelationID, f)
		return f
	}
	return nil
}

// deterministic applies the input-keyed overrides.
func (i *Injector) deterministic(req *Check) *Failure {
	switch req.StepName {
	case "ProcessPayment":
		if customer, ok := req.Data["customer_id"].(string); ok &&
			strings.HasSuffix(customer, i.config.FailedCustomerSuffix) {
			return &Failure{
				Kind:    KindPaymentFailure,
				Message: fmt.Sprintf("payment rejected for customer %s", customer),
			}
		}
		if amount, ok := toFloat(req.Data["total_amount"]); ok && amount > i.config.PaymentAmountThreshold {
			return &Failure{
				Kind:    KindPaymentFailure,
				Message: fmt.Sprintf("payment of %.2f exceeds limit %.2f", amount, i.config.PaymentAmountThreshold),
			}
		}
	case "VerifyStock", "ReserveStock":
		if qty := maxQuantity(req.Data); qty > i.config.StockQuantityThreshold {
			return &Failure{
				Kind:    KindInsufficientStock,
				Message: fmt.Sprintf("requested quantity %d exceeds available stock", qty),
			}
		}
	}
	return nil
}

// probabilistic draws each failure kind independently, in a fixed order.
func (i *Injector) probabilistic() *Failure {
	i.mu.Lock()
	defer i.mu.Unlock()

	draws := []struct {
		p    float64
		kind Kind
		msg  string
	}{
		{i.config.InsufficientStockProbability, KindInsufficientStock, "injected stock shortage"},
		{i.config.PaymentFailureProbability, KindPaymentFailure, "injected payment failure"},
		{i.config.NetworkTimeoutProbability, KindNetworkTimeout, "injected network timeout"},
		{i.config.DatabaseFailureProbability, KindDatabaseFailure, "injected database failure"},
		{i.config.ServiceUnavailableProbability, KindServiceUnavailable, "injected service unavailability"},
	}
	for _, d := range draws {
		if d.p > 0 && i.rng.Float64() < d.p {
			return &Failure{Kind: d.kind, Message: d.msg}
		}
	}
	return nil
}

// inject records the failure and applies the configured delay.
func (i *Injector) inject(ctx context.Context, service, sagaID, correlationID string, f *Failure) {
	if i.config.FailureDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(i.config.FailureDelay):
		}
	}

	metrics.RecordControlledFailure(ctx, string(f.Kind), service)

	if i.producer != nil {
		event := events.NewEvent("controlled_failure", sagaID, "saga", correlationID, service,
			map[string]interface{}{
				"kind":    string(f.Kind),
				"message": f.Message,
			}).WithSagaID(sagaID)
		i.producer.Publish(ctx, events.TopicBusinessEvents, event)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// maxQuantity returns the largest item quantity in the order payload.
func maxQuantity(data map[string]interface{}) int {
	items, ok := data["items"].([]interface{})
	if !ok {
		return 0
	}
	maxQty := 0
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if qty, ok := toFloat(item["quantity"]); ok && int(qty) > maxQty {
			maxQty = int(qty)
		}
	}
	return maxQty
}
