package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/endpoints"
	"github.com/modelrelay/llm-relay/internal/endpoints/mock"
	"github.com/modelrelay/llm-relay/internal/limits"
	"github.com/modelrelay/llm-relay/internal/metrics"
	"github.com/modelrelay/llm-relay/internal/routing"
	"github.com/modelrelay/llm-relay/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, cfg routing.Config, limiter *limits.Limiter, eps ...endpoints.Endpoint) http.Handler {
	t.Helper()

	if limiter == nil {
		limiter = limits.NewLimiter(nil, nil, nil)
	}
	engine := routing.NewEngine(cfg, limiter, metrics.NewAggregator(), testLogger())
	for _, ep := range eps {
		engine.RegisterEndpoint(ep)
	}
	if err := engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	srv, err := NewServer(engine, &Config{Port: "0"}, testLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv.setupRoutes()
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_ChatCompletion(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true, CostPerMillion: 1},
			mock.WithContent("hello there")))

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{
		"prompt": "Hello",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result types.RoutingResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Response.Content != "hello there" {
		t.Errorf("Unexpected content: %q", result.Response.Content)
	}
	if result.Decision.Endpoint != "ep" {
		t.Errorf("Unexpected endpoint: %s", result.Decision.Endpoint)
	}
}

func TestServer_ChatCompletionRequiresPrompt(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}))

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestServer_ChatCompletionInvalidJSON(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}))

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestServer_ContentTypeRejected(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}))

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("prompt=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected 415, got %d", rec.Code)
	}
}

func TestServer_UnknownStrategyRejected(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}))

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{
		"prompt":   "Hello",
		"strategy": "cheapest",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_RateLimitMapsTo429(t *testing.T) {
	limiter := limits.NewLimiter(nil, &limits.RateLimitConfig{RequestsPerMinute: 1}, nil)
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, limiter,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}))

	if rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{"prompt": "a"}); rec.Code != http.StatusOK {
		t.Fatalf("First request should pass, got %d", rec.Code)
	}

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{"prompt": "a"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header")
	}
}

func TestServer_BudgetMapsTo429(t *testing.T) {
	limiter := limits.NewLimiter(&limits.BudgetConfig{DailyTokens: 10}, nil, nil)
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, limiter,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}))

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{"prompt": "a"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error.Type != "budget_exceeded" {
		t.Errorf("Expected budget_exceeded, got %s", payload.Error.Type)
	}
}

func TestServer_AllFailedMapsTo503(t *testing.T) {
	boom := errors.New("upstream unavailable")
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}, mock.WithError(boom)))

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{"prompt": "a"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestServer_FallbackDisabledMapsTo502(t *testing.T) {
	boom := errors.New("upstream unavailable")
	handler := newTestServer(t, routing.Config{FallbackEnabled: false}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}, mock.WithError(boom)))

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{"prompt": "a"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}
}

func TestServer_Streaming(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}, mock.WithContent("chunked")))

	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{
		"prompt": "Hello",
		"stream": true,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected SSE content type, got %s", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"chunked"`) {
		t.Errorf("Stream should carry the chunk content: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Stream should terminate with [DONE]: %s", body)
	}
}

func TestServer_ListAndGetEndpoints(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "a", Enabled: true, CostPerMillion: 2}),
		mock.New(types.EndpointDescriptor{ID: "b", Enabled: false}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/endpoints", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var listing struct {
		Endpoints []types.EndpointDescriptor `json:"endpoints"`
		Count     int                        `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Count != 2 {
		t.Errorf("Expected 2 endpoints, got %d", listing.Count)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/endpoints/a", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for known endpoint, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/endpoints/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown endpoint, got %d", rec.Code)
	}
}

func TestServer_MetricsAndReset(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "ep", Enabled: true}))

	postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{"prompt": "a"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var snap types.MetricsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snap.TotalRequests != 1 {
		t.Errorf("Expected 1 request recorded, got %d", snap.TotalRequests)
	}

	rec = postJSON(t, handler, "/v1/metrics/reset", map[string]interface{}{})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on reset, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/metrics", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snap.TotalRequests != 0 {
		t.Errorf("Expected counters cleared, got %d", snap.TotalRequests)
	}
}

func TestServer_StatusAndHealth(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "up", Enabled: true}),
		mock.New(types.EndpointDescriptor{ID: "down", Enabled: true}, mock.WithUnavailable()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status types.RelayStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Healthy {
		t.Error("Expected healthy with one endpoint up")
	}
	if status.Budget == nil {
		t.Error("Expected a budget snapshot")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from health, got %d", rec.Code)
	}
}

func TestServer_StatusUnhealthy(t *testing.T) {
	handler := newTestServer(t, routing.Config{FallbackEnabled: true}, nil,
		mock.New(types.EndpointDescriptor{ID: "down", Enabled: true}, mock.WithUnavailable()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when nothing is available, got %d", rec.Code)
	}
}

func TestServer_RequestTimeoutBoundsAttempt(t *testing.T) {
	handler := newTestServer(t, routing.Config{
		FallbackEnabled: true,
		RequestTimeout:  30 * time.Millisecond,
	}, nil,
		mock.New(types.EndpointDescriptor{ID: "hang", Enabled: true},
			mock.WithLatency(2*time.Second)))

	start := time.Now()
	rec := postJSON(t, handler, "/v1/chat/completions", map[string]interface{}{"prompt": "a"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after timeout, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Attempt not bounded by request timeout, took %s", elapsed)
	}
}
