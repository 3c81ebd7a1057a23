// Package metrics holds the saga metric instruments. Instruments are
// process-wide accumulators; everything else stays injected.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/retailhub/order-saga/pkg/telemetry"
)

var (
	// Saga counters
	SagasStarted   *telemetry.Counter
	SagasSucceeded *telemetry.Counter
	SagasFailed    *telemetry.Counter

	// Step counters
	StepsExecuted  *telemetry.Counter
	StepsSucceeded *telemetry.Counter
	StepsFailed    *telemetry.Counter

	// Compensation counters
	CompensationsExecuted  *telemetry.Counter
	CompensationsSucceeded *telemetry.Counter
	CompensationsFailed    *telemetry.Counter

	// Event and failure counters
	ControlledFailures *telemetry.Counter
	EventsProduced     *telemetry.Counter
	StateTransitions   *telemetry.Counter

	// Histograms
	SagaDuration         *telemetry.Histogram
	StepDuration         *telemetry.Histogram
	CompensationDuration *telemetry.Histogram

	// Gauges
	ActiveSagas  *telemetry.UpDownCounter
	SagasByState *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all saga metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	SagasStarted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_started_total",
		Description: "Total number of sagas started",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasSucceeded, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_succeeded_total",
		Description: "Total number of sagas that reached Completed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_failed_total",
		Description: "Total number of sagas that ended Failed or Compensated",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	StepsExecuted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_steps_executed_total",
		Description: "Total number of saga step executions",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	StepsSucceeded, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_steps_succeeded_total",
		Description: "Total number of saga steps completed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	StepsFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_steps_failed_total",
		Description: "Total number of saga steps failed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CompensationsExecuted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_compensations_executed_total",
		Description: "Total number of compensation calls",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CompensationsSucceeded, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_compensations_succeeded_total",
		Description: "Total number of successful compensations",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CompensationsFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_compensations_failed_total",
		Description: "Total number of failed compensations",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	ControlledFailures, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_controlled_failures_total",
		Description: "Total number of injected failures by kind",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	EventsProduced, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_events_produced_total",
		Description: "Total number of business events produced",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	StateTransitions, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "saga_state_transitions_total",
		Description: "Total number of saga state transitions",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagaDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_duration_seconds",
		Description: "End-to-end saga duration",
		Unit:        "s",
	}, []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300})
	if err != nil {
		return err
	}

	StepDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_step_duration_seconds",
		Description: "Single step duration",
		Unit:        "s",
	}, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30})
	if err != nil {
		return err
	}

	CompensationDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_compensation_duration_seconds",
		Description: "Compensation walk duration",
		Unit:        "s",
	}, []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30})
	if err != nil {
		return err
	}

	ActiveSagas, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "saga_active",
		Description: "Current number of in-flight sagas",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SagasByState, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "saga_by_state",
		Description: "Current number of sagas by type and state",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordSagaStarted records saga admission
func RecordSagaStarted(ctx context.Context, sagaType string) {
	if SagasStarted != nil {
		SagasStarted.Inc(ctx, attribute.String("saga_type", sagaType))
	}
	if ActiveSagas != nil {
		ActiveSagas.Inc(ctx, attribute.String("saga_type", sagaType))
	}
	if SagasByState != nil {
		SagasByState.Inc(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("state", "Started"),
		)
	}
}

// RecordSagaFinished records a terminal outcome and the saga duration
func RecordSagaFinished(ctx context.Context, sagaType, finalState, failureReason string, durationSeconds float64) {
	if finalState == "Completed" {
		if SagasSucceeded != nil {
			SagasSucceeded.Inc(ctx, attribute.String("saga_type", sagaType))
		}
	} else if SagasFailed != nil {
		SagasFailed.Inc(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("final_state", finalState),
			attribute.String("reason", failureReason),
		)
	}
	if SagaDuration != nil {
		SagaDuration.Record(ctx, durationSeconds,
			attribute.String("saga_type", sagaType),
			attribute.String("outcome", finalState),
		)
	}
	if ActiveSagas != nil {
		ActiveSagas.Dec(ctx, attribute.String("saga_type", sagaType))
	}
}

// RecordStep records one step execution and its outcome
func RecordStep(ctx context.Context, sagaType, stepName, participant string, success bool, durationSeconds float64) {
	attrs := []attribute.KeyValue{
		attribute.String("saga_type", sagaType),
		attribute.String("step_name", stepName),
		attribute.String("participant", participant),
	}
	if StepsExecuted != nil {
		StepsExecuted.Inc(ctx, attrs...)
	}
	if success {
		if StepsSucceeded != nil {
			StepsSucceeded.Inc(ctx, attrs...)
		}
	} else if StepsFailed != nil {
		StepsFailed.Inc(ctx, attrs...)
	}
	if StepDuration != nil {
		outcome := "failed"
		if success {
			outcome = "succeeded"
		}
		StepDuration.Record(ctx, durationSeconds, append(attrs, attribute.String("outcome", outcome))...)
	}
}

// RecordCompensation records one compensation call
func RecordCompensation(ctx context.Context, sagaType, stepName, participant string, success bool, durationSeconds float64) {
	attrs := []attribute.KeyValue{
		attribute.String("saga_type", sagaType),
		attribute.String("step_name", stepName),
		attribute.String("participant", participant),
	}
	if CompensationsExecuted != nil {
		CompensationsExecuted.Inc(ctx, attrs...)
	}
	if success {
		if CompensationsSucceeded != nil {
			CompensationsSucceeded.Inc(ctx, attrs...)
		}
	} else if CompensationsFailed != nil {
		CompensationsFailed.Inc(ctx, attrs...)
	}
	if CompensationDuration != nil {
		CompensationDuration.Record(ctx, durationSeconds, attrs...)
	}
}

// RecordControlledFailure records an injected failure
func RecordControlledFailure(ctx context.Context, kind, participant string) {
	if ControlledFailures != nil {
		ControlledFailures.Inc(ctx,
			attribute.String("kind", kind),
			attribute.String("participant", participant),
		)
	}
}

// RecordEventProduced records a business event append
func RecordEventProduced(ctx context.Context, topic, eventType string) {
	if EventsProduced != nil {
		EventsProduced.Inc(ctx,
			attribute.String("topic", topic),
			attribute.String("event_type", eventType),
		)
	}
}

// RecordTransition records one state transition and moves the saga
// between its per-state gauge buckets
func RecordTransition(ctx context.Context, sagaType, fromState, toState string) {
	if StateTransitions != nil {
		StateTransitions.Inc(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("from_state", fromState),
			attribute.String("to_state", toState),
		)
	}
	if SagasByState != nil && fromState != toState {
		SagasByState.Dec(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("state", fromState),
		)
		SagasByState.Inc(ctx,
			attribute.String("saga_type", sagaType),
			attribute.String("state", toState),
		)
	}
}
