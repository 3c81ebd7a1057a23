package participant

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retailhub/order-saga/pkg/logger"
)

// Server hosts participant handlers behind the saga participation
// contract. For each registered handler it mounts
//
//	POST /{service}/saga/participate
//	POST /{service}/saga/compensate
//	GET  /{service}/saga/info
//
// Responses are the bare contract payloads, not the coordinator
// envelope, because the orchestrator client decodes them directly.
type Server struct {
	records  RecordStore
	handlers map[string]Handler
}

// NewServer creates a participant server. A nil record store disables
// idempotent replay.
func NewServer(records RecordStore) *Server {
	if records == nil {
		records = NewMemoryRecordStore()
	}
	return &Server{
		records:  records,
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Registering two handlers with the same
// service name is a programming error.
func (s *Server) Register(h Handler) error {
	name := h.ServiceName()
	if name == "" {
		return errors.New("participant handler has no service name")
	}
	if _, ok := s.handlers[name]; ok {
		return fmt.Errorf("participant %s already registered", name)
	}
	s.handlers[name] = h
	return nil
}

// Handlers returns the registered handlers keyed by service name.
func (s *Server) Handlers() map[string]Handler {
	out := make(map[string]Handler, len(s.handlers))
	for name, h := range s.handlers {
		out[name] = h
	}
	return out
}

// Mount attaches the contract routes for every registered handler.
func (s *Server) Mount(router gin.IRouter) {
	for name, h := range s.handlers {
		group := router.Group("/" + name + "/saga")
		group.POST("/participate", s.participate(h))
		group.POST("/compensate", s.compensate(h))
		group.GET("/info", s.info(h))
	}
}

func (s *Server) participate(h Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExecuteStepRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ExecuteStepResponse{
				Success:      false,
				ErrorMessage: fmt.Sprintf("invalid participate request: %v", err),
			})
			return
		}
		if !supportsStep(h, req.StepName) {
			c.JSON(http.StatusBadRequest, ExecuteStepResponse{
				Success:      false,
				ErrorMessage: fmt.Sprintf("%s does not support step %s", h.ServiceName(), req.StepName),
			})
			return
		}

		ctx := c.Request.Context()

		// Replay the recorded response for a repeated delivery instead of
		// re-running the side effect.
		if recorded, ok, err := s.records.Get(ctx, req.SagaID, req.StepName, "participate"); err == nil && ok {
			logger.Get().Debug("replaying participate record",
				zap.String("service", h.ServiceName()),
				zap.String("saga_id", req.SagaID),
				zap.String("step", req.StepName))
			c.JSON(http.StatusOK, recorded)
			return
		}

		resp, err := h.Execute(ctx, &req)
		if err != nil {
			logger.Get().Warn("participate failed",
				zap.String("service", h.ServiceName()),
				zap.String("saga_id", req.SagaID),
				zap.String("step", req.StepName),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, ExecuteStepResponse{
				Success:      false,
				ErrorMessage: err.Error(),
			})
			return
		}

		if err := s.records.Put(ctx, req.SagaID, req.StepName, "participate", resp); err != nil {
			logger.Get().Warn("failed to persist participate record",
				zap.String("service", h.ServiceName()),
				zap.String("saga_id", req.SagaID),
				zap.Error(err))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) compensate(h Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompensateStepRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, CompensateStepResponse{
				Success:      false,
				ErrorMessage: fmt.Sprintf("invalid compensate request: %v", err),
			})
			return
		}

		ctx := c.Request.Context()

		if recorded, ok, err := s.records.Get(ctx, req.SagaID, req.StepName, "compensate"); err == nil && ok {
			c.JSON(http.StatusOK, CompensateStepResponse{
				Success:      recorded.Success,
				ErrorMessage: recorded.ErrorMessage,
			})
			return
		}

		resp, err := h.Compensate(ctx, &req)
		if err != nil {
			logger.Get().Warn("compensate failed",
				zap.String("service", h.ServiceName()),
				zap.String("saga_id", req.SagaID),
				zap.String("step", req.StepName),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, CompensateStepResponse{
				Success:      false,
				ErrorMessage: err.Error(),
			})
			return
		}

		record := &ExecuteStepResponse{Success: resp.Success, ErrorMessage: resp.ErrorMessage}
		if err := s.records.Put(ctx, req.SagaID, req.StepName, "compensate", record); err != nil {
			logger.Get().Warn("failed to persist compensate record",
				zap.String("service", h.ServiceName()),
				zap.String("saga_id", req.SagaID),
				zap.Error(err))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) info(h Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ServiceInfo{
			ServiceName:    h.ServiceName(),
			SupportedSteps: h.SupportedSteps(),
		})
	}
}

func supportsStep(h Handler, step string) bool {
	for _, s := range h.SupportedSteps() {
		if s == step {
			return true
		}
	}
	return false
}
