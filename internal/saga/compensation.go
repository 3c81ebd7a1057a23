package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/retailhub/order-saga/internal/audit"
	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/metrics"
	"github.com/retailhub/order-saga/internal/participant"
)

// CompensationEngine walks completed steps in reverse completed_at order
// and undoes them best-effort. A compensation failure is recorded and the
// walk continues; stopping early would leave earlier steps un-compensated.
type CompensationEngine struct {
	store       Store
	producer    events.Producer
	caller      Caller
	logger      Logger
	audit       *audit.Recorder
	serviceName string
}

// NewCompensationEngine creates a compensation engine.
func NewCompensationEngine(store Store, producer events.Producer, caller Caller, logger Logger, recorder *audit.Recorder, serviceName string) *CompensationEngine {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if recorder == nil {
		recorder = audit.NewNop()
	}
	return &CompensationEngine{
		store:       store,
		producer:    producer,
		caller:      caller,
		logger:      logger,
		audit:       recorder,
		serviceName: serviceName,
	}
}

// Compensate rolls back a saga. The saga must already be in Compensating.
// It returns the terminal state reached: Compensated when every targeted
// step was undone, Failed otherwise. An empty walk compensates vacuously.
func (e *CompensationEngine) Compensate(ctx context.Context, saga *Saga, plan *Plan, reason string) (State, error) {
	started := time.Now()
	targets := saga.CompletedSteps()

	e.logger.Info("Starting compensation walk",
		"saga_id", saga.ID, "steps", len(targets), "reason", reason)

	allCompensated := true
	for _, step := range targets {
		def := plan.StepByName(step.Name)
		if def == nil {
			e.logger.Warn("No plan step for recorded step", "saga_id", saga.ID, "step", step.Name)
			allCompensated = false
			continue
		}

		ok := e.compensateStep(ctx, saga, def, step, reason)
		metrics.RecordCompensation(ctx, string(saga.Type), step.Name, def.Participant, ok, time.Since(started).Seconds())
		if !ok {
			allCompensated = false
		}
	}

	final := StateCompensated
	eventType := "saga_compensated"
	kind := KindCompensation
	if !allCompensated {
		final = StateFailed
		eventType = "saga_failed"
		kind = KindFailure
	}

	event := events.NewEvent(eventType, orderID(saga), "order", saga.CorrelationID, e.serviceName,
		map[string]interface{}{"reason": reason}).WithSagaID(saga.ID)
	if _, _, err := e.producer.Publish(ctx, events.TopicSagaOrchestration, event); err != nil {
		return StateFailed, fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	metrics.RecordEventProduced(ctx, events.TopicSagaOrchestration, eventType)

	if err := e.store.UpdateSagaState(ctx, saga.ID, StateCompensating, final, &Transition{
		ServiceName: e.serviceName,
		Action:      eventType,
		EventKind:   kind,
		Message:     reason,
	}); err != nil {
		return StateFailed, fmt.Errorf("failed to commit %s: %w", final, err)
	}
	metrics.RecordTransition(ctx, string(saga.Type), string(StateCompensating), string(final))

	e.audit.Record(audit.Entry{
		EventType:     eventType,
		SagaID:        saga.ID,
		SagaType:      string(saga.Type),
		CorrelationID: saga.CorrelationID,
		Severity:      severityFor(final),
		Category:      audit.CategoryCompensation,
		Data: map[string]interface{}{
			"reason":            reason,
			"compensated_steps": len(targets),
			"duration_ms":       time.Since(started).Milliseconds(),
		},
	})

	saga.CurrentState = final
	return final, nil
}

// compensateStep undoes one completed step. Outcome is recorded in the
// store and the transition log regardless of success.
func (e *CompensationEngine) compensateStep(ctx context.Context, saga *Saga, def *StepDef, step *Step, reason string) bool {
	stepCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	resp, err := e.caller.CompensateStep(stepCtx, def.Participant, &participant.CompensateStepRequest{
		SagaID:        saga.ID,
		StepName:      step.Name,
		Reason:        reason,
		Data:          step.Data,
		CorrelationID: saga.CorrelationID,
	})

	if err == nil && resp.Success {
		now := time.Now().UTC()
		step.Status = StepCompensated
		step.CompensatedAt = &now
		if storeErr := e.store.RecordStepResult(ctx, saga.ID, step); storeErr != nil {
			e.logger.Error("Failed to record compensated step", "saga_id", saga.ID, "step", step.Name, "error", storeErr)
		}

		if def.CompensationTopic != "" {
			event := events.NewEvent(def.CompensationEvent, orderID(saga), "order", saga.CorrelationID, def.Participant,
				map[string]interface{}{"step": step.Name, "reason": reason}).WithSagaID(saga.ID)
			if _, _, pubErr := e.producer.Publish(ctx, def.CompensationTopic, event); pubErr != nil {
				e.logger.Error("Failed to publish compensation event", "saga_id", saga.ID, "step", step.Name, "error", pubErr)
			} else {
				metrics.RecordEventProduced(ctx, def.CompensationTopic, def.CompensationEvent)
			}
		}

		if updErr := e.store.UpdateSagaState(ctx, saga.ID, StateCompensating, StateCompensating, &Transition{
			ServiceName: def.Participant,
			Action:      step.Name + "_compensated",
			EventKind:   KindCompensation,
		}); updErr != nil {
			e.logger.Error("Failed to append compensation transition", "saga_id", saga.ID, "step", step.Name, "error", updErr)
		}

		e.logger.Info("Step compensated", "saga_id", saga.ID, "step", step.Name)
		return true
	}

	message := "compensation rejected by participant"
	if err != nil {
		message = err.Error()
	} else if resp.ErrorMessage != "" {
		message = resp.ErrorMessage
	}

	if updErr := e.store.UpdateSagaState(ctx, saga.ID, StateCompensating, StateCompensating, &Transition{
		ServiceName: def.Participant,
		Action:      step.Name + "_compensation_failed",
		EventKind:   KindCompensation,
		Message:     message,
	}); updErr != nil {
		e.logger.Error("Failed to append compensation failure transition", "saga_id", saga.ID, "step", step.Name, "error", updErr)
	}

	e.audit.Record(audit.Entry{
		EventType:     "compensation_failed",
		SagaID:        saga.ID,
		SagaType:      string(saga.Type),
		ServiceName:   def.Participant,
		CorrelationID: saga.CorrelationID,
		Severity:      audit.SeverityError,
		Category:      audit.CategoryCompensation,
		Data:          map[string]interface{}{"step": step.Name, "error": message},
	})

	e.logger.Error("Compensation failed", "saga_id", saga.ID, "step", step.Name, "error", message)
	return false
}

func severityFor(state State) string {
	if state == StateFailed {
		return audit.SeverityError
	}
	return audit.SeverityInfo
}

func orderID(saga *Saga) string {
	if v, ok := saga.Payload["order_id"].(string); ok && v != "" {
		return v
	}
	return saga.ID
}
