package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailhub/order-saga/internal/eventlog"
	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/participant"
	"github.com/retailhub/order-saga/internal/saga"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubCaller answers every participate call with success and every
// compensate call with success.
type stubCaller struct{}

func (c *stubCaller) ExecuteStep(ctx context.Context, service string, req *participant.ExecuteStepRequest) (*participant.ExecuteStepResponse, error) {
	return &participant.ExecuteStepResponse{Success: true}, nil
}

func (c *stubCaller) CompensateStep(ctx context.Context, service string, req *participant.CompensateStepRequest) (*participant.CompensateStepResponse, error) {
	return &participant.CompensateStepResponse{Success: true}, nil
}

func participantRegistry() *participant.Registry {
	r := participant.NewRegistry()
	r.Register(&participant.Entry{
		ServiceName:    "inventory-service",
		BaseURL:        "http://localhost:8081",
		SupportedSteps: []string{"VerifyStock", "ReserveStock"},
	})
	r.Register(&participant.Entry{
		ServiceName:    "payment-service",
		BaseURL:        "http://localhost:8082",
		SupportedSteps: []string{"ProcessPayment"},
	})
	r.Register(&participant.Entry{
		ServiceName:    "order-service",
		BaseURL:        "http://localhost:8083",
		SupportedSteps: []string{"ConfirmOrder"},
	})
	r.Register(&participant.Entry{
		ServiceName:    "notification-service",
		BaseURL:        "http://localhost:8084",
		SupportedSteps: []string{"SendNotification"},
	})
	return r
}

func newTestRouter(t *testing.T, apiKey string) (*gin.Engine, *saga.Orchestrator, events.Producer) {
	t.Helper()

	plans := saga.NewRegistry()
	require.NoError(t, plans.Register(saga.OrderCreationPlan()))

	producer := events.NewLogProducer(eventlog.New(4))
	orchestrator := saga.NewOrchestrator(&saga.OrchestratorConfig{
		Registry: plans,
		Producer: producer,
		Caller:   &stubCaller{},
	})

	h := NewSagaHandler(orchestrator, plans, participantRegistry(), producer)
	h.AddHealthCheck("store", func(ctx context.Context) error { return nil })

	router := NewRouter(&RouterConfig{Handler: h, APIKey: apiKey, GinMode: gin.TestMode})
	return router, orchestrator, producer
}

type envelope struct {
	Success       bool            `json:"success"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
	Error         *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func doJSON(router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func orderPayload() map[string]interface{} {
	return map[string]interface{}{
		"order_id":     "ord-001",
		"customer_id":  "cust-123",
		"total_amount": 99.99,
		"items": []interface{}{
			map[string]interface{}{"product_id": "p1", "quantity": 2},
		},
	}
}

func TestExecuteSagaHappyPath(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	rec := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)

	var view SagaView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "Completed", view.CurrentState)
	assert.NotEmpty(t, view.SagaID)
	assert.NotNil(t, view.CompletedAt)
	assert.Len(t, view.Steps, 4)
}

func TestExecuteSagaUnknownType(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	rec := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaType: "WarehouseTransfer",
		Payload:  orderPayload(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteSagaMissingPayload(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	rec := doJSON(router, http.MethodPost, "/saga/execute", map[string]interface{}{
		"saga_type": "OrderCreation",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteSagaDuplicateTerminalConflicts(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	body := &ExecuteSagaRequest{
		SagaID:   "saga-fixed-id",
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}
	first := doJSON(router, http.MethodPost, "/saga/execute", body, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(router, http.MethodPost, "/saga/execute", body, nil)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestExecuteSagaAsync(t *testing.T) {
	router, orchestrator, _ := newTestRouter(t, "")

	rec := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaType: "OrderCreation",
		Async:    true,
		Payload:  orderPayload(),
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var accepted struct {
		SagaID string `json:"saga_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	require.NotEmpty(t, accepted.SagaID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := orchestrator.GetSagaStatus(context.Background(), accepted.SagaID)
		if err == nil && s.CurrentState.IsTerminal() {
			assert.Equal(t, saga.StateCompleted, s.CurrentState)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("async saga did not reach a terminal state in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	rec := doJSON(router, http.MethodGet, "/saga/status/missing-saga", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatusReturnsSnapshot(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	exec := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaID:   "saga-status-1",
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}, nil)
	require.Equal(t, http.StatusOK, exec.Code)

	rec := doJSON(router, http.MethodGet, "/saga/status/saga-status-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var view SagaView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "saga-status-1", view.SagaID)
	assert.NotEmpty(t, view.Transitions)
}

func TestCompensateCompletedSagaConflicts(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	exec := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaID:   "saga-comp-1",
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}, nil)
	require.Equal(t, http.StatusOK, exec.Code)

	rec := doJSON(router, http.MethodPost, "/saga/compensate/saga-comp-1", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCompensateUnknownSaga(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	rec := doJSON(router, http.MethodPost, "/saga/compensate/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndStatistics(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	health := doJSON(router, http.MethodGet, "/saga/health", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code)

	exec := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}, nil)
	require.Equal(t, http.StatusOK, exec.Code)

	stats := doJSON(router, http.MethodGet, "/saga/events/statistics", nil, nil)
	require.Equal(t, http.StatusOK, stats.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &env))
	var s events.Statistics
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.Greater(t, s.TotalPublished, int64(0))
}

func TestHealthReportsDegradedDependency(t *testing.T) {
	plans := saga.NewRegistry()
	require.NoError(t, plans.Register(saga.OrderCreationPlan()))
	producer := events.NewLogProducer(eventlog.New(4))
	orchestrator := saga.NewOrchestrator(&saga.OrchestratorConfig{
		Registry: plans,
		Producer: producer,
		Caller:   &stubCaller{},
	})

	h := NewSagaHandler(orchestrator, plans, participantRegistry(), producer)
	h.AddHealthCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	router := NewRouter(&RouterConfig{Handler: h, GinMode: gin.TestMode})

	rec := doJSON(router, http.MethodGet, "/saga/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyProtectsMutations(t *testing.T) {
	router, _, _ := newTestRouter(t, "coordinator-key")

	unauthorized := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, unauthorized.Code)

	authorized := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}, map[string]string{"X-API-Key": "coordinator-key"})
	assert.Equal(t, http.StatusOK, authorized.Code)

	health := doJSON(router, http.MethodGet, "/saga/health", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestCorrelationIDEchoed(t *testing.T) {
	router, _, _ := newTestRouter(t, "")

	rec := doJSON(router, http.MethodPost, "/saga/execute", &ExecuteSagaRequest{
		SagaType: "OrderCreation",
		Payload:  orderPayload(),
	}, map[string]string{"X-Correlation-ID": "corr-echo-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr-echo-1", rec.Header().Get("X-Correlation-ID"))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "corr-echo-1", env.CorrelationID)

	var view SagaView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "corr-echo-1", view.CorrelationID)
}
