package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailhub/order-saga/internal/audit"
	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/metrics"
	"github.com/retailhub/order-saga/internal/participant"
)

// Caller invokes participant services. The HTTP client in
// internal/participant implements it; tests plug in fakes.
type Caller interface {
	ExecuteStep(ctx context.Context, service string, req *participant.ExecuteStepRequest) (*participant.ExecuteStepResponse, error)
	CompensateStep(ctx context.Context, service string, req *participant.CompensateStepRequest) (*participant.CompensateStepResponse, error)
}

// Logger is the logging interface of the saga core.
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Error(msg string, fields ...interface{}) {}

// ZapLogger adapts a zap logger to the saga Logger interface.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps a zap logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: logger.Sugar()}
}

func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.sugar.Infow(msg, fields...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.sugar.Warnw(msg, fields...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.sugar.Errorw(msg, fields...) }

// ExecuteRequest admits a new saga.
type ExecuteRequest struct {
	SagaID        string
	Type          Type
	CorrelationID string
	Payload       map[string]interface{}
}

// ExecuteResult is the outcome of an admission. Duplicate is set when an
// existing non-terminal saga with the same id absorbed the request.
type ExecuteResult struct {
	Saga      *Saga
	Duplicate bool
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Registry    *Registry
	Store       Store
	Locker      Locker
	Producer    events.Producer
	Caller      Caller
	Logger      Logger
	Audit       *audit.Recorder
	ServiceName string
}

// Orchestrator admits saga requests, drives step plans to completion and
// delegates to the compensation engine on failure.
type Orchestrator struct {
	registry    *Registry
	store       Store
	locker      Locker
	producer    events.Producer
	caller      Caller
	logger      Logger
	audit       *audit.Recorder
	engine      *CompensationEngine
	serviceName string
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	recorder := cfg.Audit
	if recorder == nil {
		recorder = audit.NewNop()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "saga-coordinator"
	}

	return &Orchestrator{
		registry:    cfg.Registry,
		store:       store,
		locker:      locker,
		producer:    cfg.Producer,
		caller:      cfg.Caller,
		logger:      logger,
		audit:       recorder,
		engine:      NewCompensationEngine(store, cfg.Producer, cfg.Caller, logger, recorder, serviceName),
		serviceName: serviceName,
	}
}

// ExecuteSaga admits and runs a saga to a terminal state. Duplicate
// admission of a non-terminal saga returns its current snapshot; a
// terminal duplicate returns ErrSagaAlreadyExists.
func (o *Orchestrator) ExecuteSaga(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	plan, err := o.registry.Get(req.Type)
	if err != nil {
		return nil, err
	}

	sagaID := req.SagaID
	if sagaID == "" {
		sagaID = uuid.New().String()
	}

	release, err := o.locker.Acquire(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			// A concurrent admission of the same id is running; report
			// its current snapshot.
			existing, readErr := o.store.ReadSaga(ctx, sagaID)
			if readErr != nil {
				return nil, fmt.Errorf("saga %s is locked and unreadable: %w", sagaID, readErr)
			}
			return &ExecuteResult{Saga: existing, Duplicate: true}, nil
		}
		return nil, err
	}
	defer release()

	// Duplicate admission must not republish saga_started: settle
	// existence under the lock before anything reaches the event log.
	existing, err := o.store.ReadSaga(ctx, sagaID)
	switch {
	case err == nil:
		if existing.CurrentState.IsTerminal() {
			return &ExecuteResult{Saga: existing}, ErrSagaAlreadyExists
		}
		return &ExecuteResult{Saga: existing, Duplicate: true}, nil
	case !errors.Is(err, ErrSagaNotFound):
		return nil, err
	}

	saga := NewSaga(sagaID, req.Type, req.CorrelationID, req.Payload)
	saga.Transitions = append(saga.Transitions, &Transition{
		ID:          1,
		SagaID:      sagaID,
		FromState:   StateStarted,
		ToState:     StateStarted,
		Timestamp:   saga.CreatedAt,
		ServiceName: o.serviceName,
		Action:      "saga_started",
		EventKind:   KindSuccess,
	})

	// Admission event precedes the durable insert.
	event := events.NewEvent("saga_started", orderID(saga), "order", saga.CorrelationID, o.serviceName,
		map[string]interface{}{"saga_type": string(saga.Type)}).WithSagaID(saga.ID)
	if _, _, err := o.producer.Publish(ctx, events.TopicSagaOrchestration, event); err != nil {
		return nil, fmt.Errorf("failed to publish saga_started event: %w", err)
	}
	metrics.RecordEventProduced(ctx, events.TopicSagaOrchestration, "saga_started")

	if err := o.store.CreateSaga(ctx, saga); err != nil {
		// Backstop for a lost lock (Redis TTL expiry): another worker
		// created the row between the read above and this insert.
		if errors.Is(err, ErrSagaAlreadyExists) {
			existing, readErr := o.store.ReadSaga(ctx, sagaID)
			if readErr != nil {
				return nil, readErr
			}
			if existing.CurrentState.IsTerminal() {
				return &ExecuteResult{Saga: existing}, ErrSagaAlreadyExists
			}
			return &ExecuteResult{Saga: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("failed to create saga: %w", err)
	}

	metrics.RecordSagaStarted(ctx, string(saga.Type))
	o.audit.Record(audit.Entry{
		EventType:     "saga_started",
		SagaID:        saga.ID,
		SagaType:      string(saga.Type),
		CorrelationID: saga.CorrelationID,
		Category:      audit.CategoryLifecycle,
		Data:          map[string]interface{}{"steps": len(plan.Steps)},
	})
	o.logger.Info("Saga admitted", "saga_id", saga.ID, "saga_type", saga.Type)

	sagaCtx, cancel := context.WithTimeout(ctx, plan.Timeout)
	defer cancel()

	final, err := o.run(sagaCtx, saga, plan)
	if err != nil {
		return nil, err
	}

	metrics.RecordSagaFinished(ctx, string(saga.Type), string(final), saga.ErrorMessage,
		time.Since(saga.CreatedAt).Seconds())

	if final == StateCompleted {
		o.runPostSteps(ctx, saga, plan)
	}

	snapshot, err := o.store.ReadSaga(ctx, saga.ID)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{Saga: snapshot}, nil
}

// run drives the plan's steps in order and delegates to compensation on
// the first failure. It returns the terminal state reached.
func (o *Orchestrator) run(ctx context.Context, saga *Saga, plan *Plan) (State, error) {
	for _, def := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return o.failAndCompensate(ctx, saga, plan, "saga deadline exceeded")
		}

		failure, err := o.runStep(ctx, saga, def)
		if err != nil {
			return StateFailed, err
		}
		if failure != "" {
			return o.failAndCompensate(ctx, saga, plan, failure)
		}
	}

	if saga.CurrentState != StateCompleted {
		event := events.NewEvent("saga_completed", orderID(saga), "order", saga.CorrelationID, o.serviceName, nil).
			WithSagaID(saga.ID)
		if _, _, err := o.producer.Publish(ctx, events.TopicSagaOrchestration, event); err != nil {
			return StateFailed, fmt.Errorf("failed to publish saga_completed event: %w", err)
		}
		metrics.RecordEventProduced(ctx, events.TopicSagaOrchestration, "saga_completed")

		if err := o.store.UpdateSagaState(ctx, saga.ID, saga.CurrentState, StateCompleted, &Transition{
			ServiceName: o.serviceName,
			Action:      "saga_completed",
			EventKind:   KindSuccess,
		}); err != nil {
			return StateFailed, fmt.Errorf("failed to complete saga: %w", err)
		}
		metrics.RecordTransition(ctx, string(saga.Type), string(saga.CurrentState), string(StateCompleted))
		saga.CurrentState = StateCompleted
	}

	o.audit.Record(audit.Entry{
		EventType:     "saga_completed",
		SagaID:        saga.ID,
		SagaType:      string(saga.Type),
		CorrelationID: saga.CorrelationID,
		Category:      audit.CategoryLifecycle,
	})
	o.logger.Info("Saga completed", "saga_id", saga.ID)
	return StateCompleted, nil
}

// runStep executes one plan step. It returns a non-empty failure reason
// for business/transport failures; a non-nil error only for
// infrastructure faults that abort the saga without compensation.
func (o *Orchestrator) runStep(ctx context.Context, saga *Saga, def *StepDef) (string, error) {
	if err := o.transition(ctx, saga, def.InProgressState, def.Name+"_started", KindSuccess, ""); err != nil {
		return "", err
	}

	started := time.Now().UTC()
	step := &Step{
		ID:                 uuid.New().String(),
		Name:               def.Name,
		ParticipantService: def.Participant,
		Status:             StepInProgress,
		StartedAt:          started,
	}
	if err := o.store.RecordStepResult(ctx, saga.ID, step); err != nil {
		return "", fmt.Errorf("failed to record step start: %w", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	resp, callErr := o.caller.ExecuteStep(stepCtx, def.Participant, &participant.ExecuteStepRequest{
		SagaID:        saga.ID,
		StepName:      def.Name,
		OrderID:       orderID(saga),
		Data:          saga.Payload,
		CorrelationID: saga.CorrelationID,
		Retries:       def.Retries,
	})
	cancel()

	duration := time.Since(started)

	if callErr != nil || !resp.Success {
		reason := ""
		if callErr != nil {
			reason = fmt.Sprintf("%s: %v", def.Name, callErr)
		} else {
			reason = fmt.Sprintf("%s: %s", def.Name, resp.ErrorMessage)
		}

		now := time.Now().UTC()
		step.Status = StepFailed
		step.ErrorMessage = reason
		step.CompletedAt = &now
		if err := o.store.RecordStepResult(ctx, saga.ID, step); err != nil {
			o.logger.Error("Failed to record step failure", "saga_id", saga.ID, "step", def.Name, "error", err)
		}

		if def.FailureTopic != "" {
			event := events.NewEvent(def.FailureEvent, orderID(saga), "order", saga.CorrelationID, def.Participant,
				map[string]interface{}{"error": reason}).WithSagaID(saga.ID)
			if _, _, err := o.producer.Publish(ctx, def.FailureTopic, event); err != nil {
				o.logger.Error("Failed to publish step failure event", "saga_id", saga.ID, "step", def.Name, "error", err)
			} else {
				metrics.RecordEventProduced(ctx, def.FailureTopic, def.FailureEvent)
			}
		}

		metrics.RecordStep(ctx, string(saga.Type), def.Name, def.Participant, false, duration.Seconds())
		o.audit.Record(audit.Entry{
			EventType:     "step_failed",
			SagaID:        saga.ID,
			SagaType:      string(saga.Type),
			ServiceName:   def.Participant,
			CorrelationID: saga.CorrelationID,
			Severity:      audit.SeverityError,
			Category:      audit.CategoryStep,
			Data:          map[string]interface{}{"step": def.Name, "error": reason},
		})
		o.logger.Error("Step failed", "saga_id", saga.ID, "step", def.Name, "error", reason)
		return reason, nil
	}

	now := time.Now().UTC()
	step.Status = StepCompleted
	step.Data = resp.Data
	step.CompensationRequired = def.Compensable
	step.CompletedAt = &now
	if err := o.store.RecordStepResult(ctx, saga.ID, step); err != nil {
		return "", fmt.Errorf("failed to record step result: %w", err)
	}
	for k, v := range resp.Data {
		saga.Payload[k] = v
	}

	if def.SuccessTopic != "" {
		event := events.NewEvent(def.SuccessEvent, orderID(saga), "order", saga.CorrelationID, def.Participant, resp.Data).
			WithSagaID(saga.ID)
		if _, _, err := o.producer.Publish(ctx, def.SuccessTopic, event); err != nil {
			// Without the event on record the state must not advance.
			return fmt.Sprintf("%s: event publish failed: %v", def.Name, err), nil
		}
		metrics.RecordEventProduced(ctx, def.SuccessTopic, def.SuccessEvent)
	}

	if err := o.transition(ctx, saga, def.CompletedState, def.Name+"_completed", KindSuccess, ""); err != nil {
		return "", err
	}

	metrics.RecordStep(ctx, string(saga.Type), def.Name, def.Participant, true, duration.Seconds())
	o.audit.Record(audit.Entry{
		EventType:     "step_completed",
		SagaID:        saga.ID,
		SagaType:      string(saga.Type),
		ServiceName:   def.Participant,
		CorrelationID: saga.CorrelationID,
		Category:      audit.CategoryStep,
		Data:          map[string]interface{}{"step": def.Name, "duration_ms": duration.Milliseconds()},
	})
	o.logger.Info("Step completed", "saga_id", saga.ID, "step", def.Name)
	return "", nil
}

// transition publishes the state-change event and then commits the state,
// in that order. A state that cannot announce itself never commits.
func (o *Orchestrator) transition(ctx context.Context, saga *Saga, next State, action string, kind EventKind, message string) error {
	event := events.NewEvent("saga_state_changed", orderID(saga), "order", saga.CorrelationID, o.serviceName,
		map[string]interface{}{
			"from_state": string(saga.CurrentState),
			"to_state":   string(next),
			"action":     action,
		}).WithSagaID(saga.ID)
	if _, _, err := o.producer.Publish(ctx, events.TopicSagaOrchestration, event); err != nil {
		return fmt.Errorf("failed to publish transition event for %s: %w", action, err)
	}
	metrics.RecordEventProduced(ctx, events.TopicSagaOrchestration, "saga_state_changed")

	if err := o.store.UpdateSagaState(ctx, saga.ID, saga.CurrentState, next, &Transition{
		ServiceName: o.serviceName,
		Action:      action,
		EventKind:   kind,
		Message:     message,
	}); err != nil {
		return fmt.Errorf("failed to transition to %s: %w", next, err)
	}
	metrics.RecordTransition(ctx, string(saga.Type), string(saga.CurrentState), string(next))
	saga.CurrentState = next
	return nil
}

// failAndCompensate moves the saga to Compensating and runs the engine.
func (o *Orchestrator) failAndCompensate(ctx context.Context, saga *Saga, plan *Plan, reason string) (State, error) {
	// Compensation still runs when the saga deadline killed the context.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), plan.Timeout)
		defer cancel()
	}

	if err := o.transition(ctx, saga, StateCompensating, "compensation_started", KindFailure, reason); err != nil {
		return StateFailed, err
	}
	return o.engine.Compensate(ctx, saga, plan, reason)
}

// runPostSteps executes best-effort trailing steps after Completed. They
// never transition state and their failure does not fail the saga.
func (o *Orchestrator) runPostSteps(ctx context.Context, saga *Saga, plan *Plan) {
	for _, def := range plan.PostSteps {
		stepCtx, cancel := context.WithTimeout(ctx, def.Timeout)
		resp, err := o.caller.ExecuteStep(stepCtx, def.Participant, &participant.ExecuteStepRequest{
			SagaID:        saga.ID,
			StepName:      def.Name,
			OrderID:       orderID(saga),
			Data:          saga.Payload,
			CorrelationID: saga.CorrelationID,
			Retries:       def.Retries,
		})
		cancel()

		eventType := def.SuccessEvent
		severity := audit.SeverityInfo
		if err != nil || !resp.Success {
			eventType = def.FailureEvent
			severity = audit.SeverityWarning
			o.logger.Warn("Post step failed", "saga_id", saga.ID, "step", def.Name, "error", err)
		}

		if def.SuccessTopic != "" {
			event := events.NewEvent(eventType, orderID(saga), "order", saga.CorrelationID, def.Participant, nil).
				WithSagaID(saga.ID)
			if _, _, pubErr := o.producer.Publish(ctx, def.SuccessTopic, event); pubErr == nil {
				metrics.RecordEventProduced(ctx, def.SuccessTopic, eventType)
			}
		}
		o.audit.Record(audit.Entry{
			EventType:     eventType,
			SagaID:        saga.ID,
			SagaType:      string(saga.Type),
			ServiceName:   def.Participant,
			CorrelationID: saga.CorrelationID,
			Severity:      severity,
			Category:      audit.CategoryStep,
			Data:          map[string]interface{}{"step": def.Name},
		})
	}
}

// GetSagaStatus returns a consistent snapshot of a saga.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, sagaID string) (*Saga, error) {
	return o.store.ReadSaga(ctx, sagaID)
}

// Compensate forces compensation of a non-terminal saga. It is
// idempotent: an already-Compensated saga is a successful no-op; other
// terminal states return ErrSagaTerminal. While another worker holds
// the saga's lock it returns the current snapshot without blocking; the
// in-flight mutation settles the terminal state.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) (*Saga, error) {
	release, err := o.locker.Acquire(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			// Another worker is mutating this saga; report its state.
			return o.store.ReadSaga(ctx, sagaID)
		}
		return nil, err
	}
	defer release()

	saga, err := o.store.ReadSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.CurrentState == StateCompensated {
		return saga, nil
	}
	if saga.CurrentState.IsTerminal() {
		return saga, ErrSagaTerminal
	}

	plan, err := o.registry.Get(saga.Type)
	if err != nil {
		return nil, err
	}

	if saga.CurrentState != StateCompensating {
		if err := o.transition(ctx, saga, StateCompensating, "compensation_requested", KindCompensation, "forced compensation"); err != nil {
			return nil, err
		}
	}

	final, err := o.engine.Compensate(ctx, saga, plan, "forced compensation")
	if err != nil {
		return nil, err
	}
	metrics.RecordSagaFinished(ctx, string(saga.Type), string(final), saga.ErrorMessage,
		time.Since(saga.CreatedAt).Seconds())

	return o.store.ReadSaga(ctx, sagaID)
}

// Recover scans for non-terminal sagas and forces compensation of each.
// Run on startup; bounds the blast radius of a crash mid-saga.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	ids, err := o.store.ReplayIncomplete(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan incomplete sagas: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if _, err := o.Compensate(ctx, id); err != nil {
			o.logger.Error("Failed to recover saga", "saga_id", id, "error", err)
			continue
		}
		recovered++
		o.logger.Info("Recovered saga by forced compensation", "saga_id", id)
	}
	return recovered, nil
}

// PurgeExpired deletes terminal sagas whose grace period has passed.
func (o *Orchestrator) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	return o.store.PurgeTerminal(ctx, time.Now().UTC().Add(-retention))
}
