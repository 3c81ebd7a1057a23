// Package participant defines the saga participant contract: the
// request/response types of the two RPCs, the registry, the HTTP client
// the orchestrator calls participants with, the server SDK participants
// mount their handlers on, and the built-in order-flow participants.
package participant

// ExecuteStepRequest asks a participant to run one saga step.
type ExecuteStepRequest struct {
	SagaID        string                 `json:"saga_id" binding:"required"`
	StepName      string                 `json:"step_name" binding:"required"`
	OrderID       string                 `json:"order_id"`
	Data          map[string]interface{} `json:"data"`
	CorrelationID string                 `json:"correlation_id"`

	// Retries raises the client's transient-failure retry ceiling for
	// this call when positive. Client-side only, never on the wire.
	Retries int `json:"-"`
}

// ExecuteStepResponse is the participant's explicit verdict. A false
// Success is a business failure, not a transport error.
type ExecuteStepResponse struct {
	Success              bool                   `json:"success"`
	Data                 map[string]interface{} `json:"data,omitempty"`
	ErrorMessage         string                 `json:"error_message,omitempty"`
	CompensationRequired bool                   `json:"compensation_required,omitempty"`
}

// CompensateStepRequest asks a participant to undo a completed step.
type CompensateStepRequest struct {
	SagaID        string                 `json:"saga_id" binding:"required"`
	StepName      string                 `json:"step_name" binding:"required"`
	Reason        string                 `json:"reason"`
	Data          map[string]interface{} `json:"data"`
	CorrelationID string                 `json:"correlation_id"`
}

// CompensateStepResponse reports the compensation outcome.
type CompensateStepResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ServiceInfo is returned by GET /{service}/saga/info.
type ServiceInfo struct {
	ServiceName    string   `json:"service_name"`
	SupportedSteps []string `json:"supported_steps"`
}
