package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/retailhub/order-saga/pkg/retry"
)

// ClientConfig holds HTTP client settings for participant calls.
type ClientConfig struct {
	RequestTimeout time.Duration
	Retry          *retry.Config
}

// Client is the HTTP client the orchestrator calls participants with.
// Connection errors and 5xx responses are retried on the 250ms/500ms/1s
// schedule; 4xx responses and explicit verdicts are not. Each service
// gets its own circuit breaker.
type Client struct {
	registry   *Registry
	httpClient *http.Client
	retrier    *retry.Retrier

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a participant client over the given registry.
func NewClient(registry *Registry, cfg *ClientConfig) *Client {
	timeout := 30 * time.Second
	retryCfg := retry.DefaultConfig()
	if cfg != nil {
		if cfg.RequestTimeout > 0 {
			timeout = cfg.RequestTimeout
		}
		if cfg.Retry != nil {
			retryCfg = cfg.Retry
		}
	}
	return &Client{
		registry:   registry,
		httpClient: &http.Client{Timeout: timeout},
		retrier:    retry.New(retryCfg),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(service string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[service]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[service] = cb
	return cb
}

// ExecuteStep calls POST /{service}/saga/participate. A positive
// req.Retries overrides the client's retry ceiling for this call.
func (c *Client) ExecuteStep(ctx context.Context, service string, req *ExecuteStepRequest) (*ExecuteStepResponse, error) {
	var resp ExecuteStepResponse
	if err := c.post(ctx, service, "participate", req.CorrelationID, req.Retries, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompensateStep calls POST /{service}/saga/compensate.
func (c *Client) CompensateStep(ctx context.Context, service string, req *CompensateStepRequest) (*CompensateStepResponse, error) {
	var resp CompensateStepResponse
	if err := c.post(ctx, service, "compensate", req.CorrelationID, 0, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info calls GET /{service}/saga/info.
func (c *Client) Info(ctx context.Context, service string) (*ServiceInfo, error) {
	entry, err := c.registry.Resolve(service)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/saga/info", entry.BaseURL, service)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch info for %s: %w", service, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info for %s returned status %d", service, httpResp.StatusCode)
	}

	var info ServiceInfo
	if err := json.NewDecoder(httpResp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode info for %s: %w", service, err)
	}
	return &info, nil
}

func (c *Client) post(ctx context.Context, service, action, correlationID string, retries int, body, out interface{}) error {
	entry, err := c.registry.Resolve(service)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", action, err)
	}

	url := fmt.Sprintf("%s/%s/saga/%s", entry.BaseURL, service, action)
	cb := c.breaker(service)

	retrier := c.retrier
	if retries > 0 {
		retrier = retrier.WithMaxRetries(retries)
	}
	result := retrier.Do(ctx, func(ctx context.Context) error {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, c.doPost(ctx, url, correlationID, payload, out)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return retry.Retryable(err)
		}
		return err
	})
	if result.Err != nil {
		cause := result.LastError
		if cause == nil {
			cause = result.Err
		}
		return fmt.Errorf("participant %s %s failed after %d attempts: %w",
			service, action, result.Attempts, cause)
	}
	return nil
}

// doPost performs one HTTP round trip. Transport failures and 5xx are
// retryable; 4xx is permanent.
func (c *Client) doPost(ctx context.Context, url, correlationID string, payload []byte, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		httpReq.Header.Set("X-Correlation-ID", correlationID)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return retry.Retryable(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return retry.Retryable(err)
	}

	switch {
	case httpResp.StatusCode >= 500:
		return retry.Retryable(fmt.Errorf("participant returned status %d", httpResp.StatusCode))
	case httpResp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("participant returned status %d: %s", httpResp.StatusCode, respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode participant response: %w", err))
	}
	return nil
}
