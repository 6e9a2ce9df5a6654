package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestAuthProvider(requireAuth bool) *AuthProvider {
	return NewAuthProvider(&Config{
		APIKeys:     []string{"valid-key-1234567890", "another-key-0987654321"},
		JWTSecret:   "test-secret",
		JWTExpiry:   time.Hour,
		RequireAuth: requireAuth,
	}, testLogger())
}

func TestValidateAPIKey(t *testing.T) {
	provider := newTestAuthProvider(true)

	info, err := provider.ValidateAPIKey("valid-key-1234567890")
	require.NoError(t, err)
	assert.Equal(t, "api_key", info.AuthType)
	assert.Equal(t, "vali****7890", info.Subject)

	_, err = provider.ValidateAPIKey("wrong-key")
	assert.Error(t, err)

	_, err = provider.ValidateAPIKey("")
	assert.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	provider := newTestAuthProvider(true)

	token, err := provider.GenerateJWT("user-1")
	require.NoError(t, err)

	claims, err := provider.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "llm-relay", claims.Issuer)
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	issuer := newTestAuthProvider(true)
	token, err := issuer.GenerateJWT("user-1")
	require.NoError(t, err)

	verifier := NewAuthProvider(&Config{JWTSecret: "different-secret"}, testLogger())
	_, err = verifier.ValidateJWT(token)
	assert.Error(t, err)
}

func TestAuthenticate_AcceptsEitherScheme(t *testing.T) {
	provider := newTestAuthProvider(true)

	info, err := provider.Authenticate("valid-key-1234567890")
	require.NoError(t, err)
	assert.Equal(t, "api_key", info.AuthType)

	token, err := provider.GenerateJWT("user-2")
	require.NoError(t, err)

	info, err = provider.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "jwt", info.AuthType)
	assert.Equal(t, "user-2", info.Subject)
	require.NotNil(t, info.ExpiresAt)

	_, err = provider.Authenticate("garbage")
	assert.Error(t, err)
}

func TestMiddleware_Enforcement(t *testing.T) {
	provider := newTestAuthProvider(true)

	var captured *AuthInfo
	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = AuthInfoFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No credentials.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// X-API-Key header.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/metrics", nil)
	req.Header.Set("X-API-Key", "valid-key-1234567890")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "api_key", captured.AuthType)

	// Bearer token.
	token, err := provider.GenerateJWT("user-3")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jwt", captured.AuthType)
}

func TestMiddleware_DisabledPassesThrough(t *testing.T) {
	provider := newTestAuthProvider(false)

	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", MaskAPIKey("short"))
	assert.Equal(t, "****", MaskAPIKey(""))
	assert.Equal(t, "abcd****wxyz", MaskAPIKey("abcdefgh-long-key-wxyz"))
}
