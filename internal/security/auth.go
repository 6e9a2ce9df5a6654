package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Config holds authentication configuration.
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// AuthInfo identifies an authenticated caller.
type AuthInfo struct {
	Subject   string     `json:"subject"`
	AuthType  string     `json:"auth_type"` // "api_key" or "jwt"
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// JWTClaims are the claims carried in relay-issued tokens.
type JWTClaims struct {
	Subject string `json:"sub_id"`
	jwt.RegisteredClaims
}

// AuthProvider validates API keys and JWT bearer tokens.
type AuthProvider struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthProvider creates an authentication provider.
func NewAuthProvider(config *Config, logger *logrus.Logger) *AuthProvider {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &AuthProvider{config: config, logger: logger}
}

// ValidateAPIKey checks a key against the configured set using
// constant-time comparison.
func (a *AuthProvider) ValidateAPIKey(apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}

	for _, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				Subject:  MaskAPIKey(apiKey),
				AuthType: "api_key",
			}, nil
		}
	}

	a.logger.WithField("api_key_prefix", MaskAPIKey(apiKey)).Warn("Invalid API key attempted")
	return nil, errors.New("invalid api key")
}

// GenerateJWT issues a signed token for the given subject.
func (a *AuthProvider) GenerateJWT(subject string) (string, error) {
	now := time.Now()

	claims := &JWTClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "llm-relay",
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies a relay-issued token.
func (a *AuthProvider) ValidateJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt validation: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid jwt claims")
	}
	return claims, nil
}

// Authenticate accepts either an API key or a JWT bearer token.
func (a *AuthProvider) Authenticate(token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(token); err == nil {
		return info, nil
	}

	claims, err := a.ValidateJWT(token)
	if err != nil {
		return nil, errors.New("invalid authentication token")
	}
	return &AuthInfo{
		Subject:   claims.Subject,
		AuthType:  "jwt",
		ExpiresAt: &claims.ExpiresAt.Time,
	}, nil
}

type contextKey string

// AuthInfoKey is the request-context key under which AuthInfo is stored.
const AuthInfoKey contextKey = "auth_info"

// Middleware enforces authentication when RequireAuth is set. Credentials
// are read from X-API-Key or an Authorization bearer header.
func (a *AuthProvider) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get("X-API-Key")
			if token == "" {
				if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
					token = strings.TrimPrefix(bearer, "Bearer ")
				}
			}

			info, err := a.Authenticate(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := contextWithAuthInfo(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MaskAPIKey hides most of a key for log output.
func MaskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}
