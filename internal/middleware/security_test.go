package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/llm-relay/internal/security"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChain_SecurityHeaders(t *testing.T) {
	chain, err := NewChain(&ChainConfig{}, testLogger())
	require.NoError(t, err)

	handler := chain.Handler()(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestChain_AuthEnforced(t *testing.T) {
	chain, err := NewChain(&ChainConfig{
		Auth: &security.Config{
			APIKeys:     []string{"secret-key-1234567890"},
			RequireAuth: true,
		},
	}, testLogger())
	require.NoError(t, err)

	handler := chain.Handler()(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/metrics", nil)
	req.Header.Set("X-API-Key", "secret-key-1234567890")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChain_CORS(t *testing.T) {
	chain, err := NewChain(&ChainConfig{
		AllowedOrigins: []string{"https://example.com"},
	}, testLogger())
	require.NoError(t, err)

	handler := chain.Handler()(okHandler())

	// Allowed origin gets CORS headers.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/metrics", nil)
	req.Header.Set("Origin", "https://example.com")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	// Unknown origin does not.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/metrics", nil)
	req.Header.Set("Origin", "https://evil.test")
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("OPTIONS", "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://example.com")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChain_AuditWiring(t *testing.T) {
	chain, err := NewChain(&ChainConfig{
		Audit: &security.AuditConfig{Enabled: true, BufferSize: 8},
	}, testLogger())
	require.NoError(t, err)
	defer chain.Stop()

	require.NotNil(t, chain.Audit())
}

func TestNewValidationMiddleware_DisabledPassesThrough(t *testing.T) {
	vm, err := NewValidationMiddleware(&ValidationConfig{Enabled: false}, testLogger())
	require.NoError(t, err)

	handler := vm.Middleware(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewValidationMiddleware_MissingSpecFails(t *testing.T) {
	_, err := NewValidationMiddleware(&ValidationConfig{
		Enabled:  true,
		SpecPath: "does/not/exist.yaml",
	}, testLogger())
	assert.Error(t, err)
}
