package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/middleware"
	"github.com/retailhub/order-saga/internal/participant"
	"github.com/retailhub/order-saga/internal/saga"
	"github.com/retailhub/order-saga/pkg/logger"
	"github.com/retailhub/order-saga/pkg/response"
)

// SagaHandler handles coordinator HTTP requests.
type SagaHandler struct {
	orchestrator *saga.Orchestrator
	plans        *saga.Registry
	participants *participant.Registry
	producer     events.Producer

	// health checks by component name, e.g. "store", "event_log"
	checks map[string]func(ctx context.Context) error
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(orchestrator *saga.Orchestrator, plans *saga.Registry, participants *participant.Registry, producer events.Producer) *SagaHandler {
	return &SagaHandler{
		orchestrator: orchestrator,
		plans:        plans,
		participants: participants,
		producer:     producer,
		checks:       make(map[string]func(ctx context.Context) error),
	}
}

// AddHealthCheck registers a named dependency check for /saga/health.
func (h *SagaHandler) AddHealthCheck(name string, check func(ctx context.Context) error) {
	h.checks[name] = check
}

// ExecuteSagaRequest is the body of POST /saga/execute.
type ExecuteSagaRequest struct {
	SagaID        string                 `json:"saga_id"`
	SagaType      string                 `json:"saga_type" binding:"required"`
	CorrelationID string                 `json:"correlation_id"`
	Async         bool                   `json:"async"`
	Payload       map[string]interface{} `json:"payload" binding:"required"`
}

// SagaView is the saga snapshot returned by execute and status.
type SagaView struct {
	SagaID        string             `json:"saga_id"`
	SagaType      string             `json:"saga_type"`
	CurrentState  string             `json:"current_state"`
	CorrelationID string             `json:"correlation_id"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	Steps         []*saga.Step       `json:"steps"`
	Transitions   []*saga.Transition `json:"transitions"`
	StartedAt     time.Time          `json:"started_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

func viewOf(s *saga.Saga) *SagaView {
	if s == nil {
		return nil
	}
	return &SagaView{
		SagaID:        s.ID,
		SagaType:      string(s.Type),
		CurrentState:  string(s.CurrentState),
		CorrelationID: s.CorrelationID,
		ErrorMessage:  s.ErrorMessage,
		Steps:         s.Steps,
		Transitions:   s.Transitions,
		StartedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		CompletedAt:   s.CompletedAt,
	}
}

// ExecuteSaga handles POST /saga/execute. The synchronous form returns
// the terminal snapshot; async returns 202 with the admitted saga id.
func (h *SagaHandler) ExecuteSaga(c *gin.Context) {
	var req ExecuteSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid execute request: "+err.Error())
		return
	}

	plan, err := h.plans.Get(saga.Type(req.SagaType))
	if err != nil {
		response.BadRequest(c, "unknown saga type "+req.SagaType)
		return
	}

	// Refuse admission when the plan references a participant or step
	// that is not registered.
	for _, def := range plan.Steps {
		if err := h.participants.ValidateStep(def.Participant, def.Name); err != nil {
			response.ServiceUnavailable(c, "participant unavailable: "+err.Error())
			return
		}
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = middleware.GetCorrelationID(c)
	}

	execReq := &saga.ExecuteRequest{
		SagaID:        req.SagaID,
		Type:          saga.Type(req.SagaType),
		CorrelationID: correlationID,
		Payload:       req.Payload,
	}

	if req.Async {
		// The saga id is assigned up front so the disconnected client can
		// poll /saga/status while the run proceeds in the background.
		if execReq.SagaID == "" {
			execReq.SagaID = uuid.New().String()
		}
		go func() {
			if _, err := h.orchestrator.ExecuteSaga(context.Background(), execReq); err != nil {
				logger.Get().Error("async saga execution failed",
					zap.String("saga_id", execReq.SagaID),
					zap.Error(err))
			}
		}()
		response.Accepted(c, gin.H{
			"saga_id":        execReq.SagaID,
			"saga_type":      req.SagaType,
			"current_state":  string(saga.StateStarted),
			"correlation_id": correlationID,
		})
		return
	}

	result, err := h.orchestrator.ExecuteSaga(c.Request.Context(), execReq)
	if err != nil {
		h.writeExecuteError(c, result, err)
		return
	}
	response.Success(c, viewOf(result.Saga))
}

func (h *SagaHandler) writeExecuteError(c *gin.Context, result *saga.ExecuteResult, err error) {
	switch {
	case errors.Is(err, saga.ErrPlanUnknown):
		response.BadRequest(c, err.Error())
	case errors.Is(err, saga.ErrSagaAlreadyExists):
		// The saga already ran to a terminal state under this id.
		details := ""
		if result != nil && result.Saga != nil {
			details = "current_state=" + string(result.Saga.CurrentState)
		}
		response.Error(c, http.StatusConflict, "CONFLICT", "saga already exists", details)
	default:
		response.ServiceUnavailable(c, err.Error())
	}
}

// GetStatus handles GET /saga/status/:saga_id.
func (h *SagaHandler) GetStatus(c *gin.Context) {
	sagaID := c.Param("saga_id")

	s, err := h.orchestrator.GetSagaStatus(c.Request.Context(), sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			response.NotFound(c, "saga "+sagaID+" not found")
			return
		}
		response.ServiceUnavailable(c, err.Error())
		return
	}
	response.Success(c, viewOf(s))
}

// Compensate handles POST /saga/compensate/:saga_id. Forcing
// compensation of a successfully completed saga is refused. When
// another worker is already mutating the saga, the response carries the
// current snapshot instead of waiting for that work to settle; callers
// poll /saga/status/:saga_id for the terminal state.
func (h *SagaHandler) Compensate(c *gin.Context) {
	sagaID := c.Param("saga_id")

	s, err := h.orchestrator.Compensate(c.Request.Context(), sagaID)
	switch {
	case err == nil:
		response.Success(c, viewOf(s))
	case errors.Is(err, saga.ErrSagaNotFound):
		response.NotFound(c, "saga "+sagaID+" not found")
	case errors.Is(err, saga.ErrSagaTerminal):
		response.Conflict(c, "saga "+sagaID+" is already terminal")
	default:
		response.ServiceUnavailable(c, err.Error())
	}
}

// Health handles GET /saga/health.
func (h *SagaHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			components[name] = "down: " + err.Error()
			healthy = false
			continue
		}
		components[name] = "up"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":     state,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// EventStatistics handles GET /saga/events/statistics.
func (h *SagaHandler) EventStatistics(c *gin.Context) {
	response.Success(c, h.producer.Statistics())
}
