package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskforge/internal/resilience"
)

// HTTPModel calls an external model-inference service over HTTP/JSON. A
// pooled client amortizes connection setup across the many requests an
// agent pool issues concurrently; a circuit breaker keeps a flapping
// inference backend from queueing every agent behind it.
type HTTPModel struct {
	endpoint      string
	client        *http.Client
	tracer        trace.Tracer
	breaker       *resilience.CircuitBreaker
	retryAttempts int
	retryDelay    time.Duration
}

// NewHTTPModel builds a Model adapter against endpoint (e.g.
// http://model-gateway:8080/v1/generate), falling back to
// MODEL_ENDPOINT_URL / a local default when endpoint is empty.
// retryAttempts/retryDelay bound the retry of TransientError failures
// (rate-limit, transport, 5xx); a non-positive retryAttempts disables
// retrying and Generate behaves as a single attempt.
func NewHTTPModel(endpoint string, retryAttempts int, retryDelay time.Duration) *HTTPModel {
	if endpoint == "" {
		endpoint = getEnvDefault("MODEL_ENDPOINT_URL", "http://localhost:8090/v1/generate")
	}
	return &HTTPModel{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer:        otel.Tracer("taskforge-model-adapter"),
		breaker:       resilience.NewCircuitBreaker("model_adapter", 30*time.Second, 6, 5, 0.5, 15*time.Second, 1),
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

type generateRequest struct {
	Role        string  `json:"role"`
	ModelRef    string  `json:"model_ref"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// TransientError wraps a retriable failure (rate-limit, transport) so
// callers can distinguish it from a terminal, non-retriable one (spec §6).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "model adapter: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Generate implements Model, retrying TransientError failures (rate-limit,
// transport, 5xx) up to retryAttempts times with full-jitter backoff; a
// terminal error (4xx, breaker open) is returned on the first attempt.
func (m *HTTPModel) Generate(ctx context.Context, role, modelRef, prompt string, params GenerateParams) (string, error) {
	text, err := resilience.Retry(ctx, "model_adapter", max(m.retryAttempts, 1), m.retryDelay,
		func(err error) bool {
			var transient *TransientError
			return errors.As(err, &transient)
		},
		func() (string, error) {
			return m.doGenerate(ctx, role, modelRef, prompt, params)
		})
	return text, err
}

func (m *HTTPModel) doGenerate(ctx context.Context, role, modelRef, prompt string, params GenerateParams) (string, error) {
	if !m.breaker.Allow() {
		return "", fmt.Errorf("model adapter: circuit open")
	}

	ctx, span := m.tracer.Start(ctx, "model.generate",
		trace.WithAttributes(
			attribute.String("role", role),
			attribute.String("model_ref", modelRef),
		))
	defer span.End()

	body, err := json.Marshal(generateRequest{
		Role: role, ModelRef: modelRef, Prompt: prompt,
		Temperature: params.Temperature, MaxTokens: params.MaxTokens,
		TopK: params.TopK, TopP: params.TopP,
	})
	if err != nil {
		m.breaker.RecordResult(false)
		return "", fmt.Errorf("model adapter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		m.breaker.RecordResult(false)
		return "", fmt.Errorf("model adapter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taskforge-model-adapter/1.0")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := m.client.Do(req)
	if err != nil {
		m.breaker.RecordResult(false)
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		m.breaker.RecordResult(false)
		return "", &TransientError{Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		m.breaker.RecordResult(false)
		return "", &TransientError{Err: fmt.Errorf("model adapter: http %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		m.breaker.RecordResult(true)
		return "", fmt.Errorf("model adapter: terminal http %d: %s", resp.StatusCode, respBody)
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("model adapter: unmarshal response: %w", err)
	}
	m.breaker.RecordResult(true)
	return out.Text, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
