package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/security"
)

// ChainConfig configures the request-path middleware stack.
type ChainConfig struct {
	Auth           *security.Config      `yaml:"auth"`
	Validation     *ValidationConfig     `yaml:"validation"`
	Audit          *security.AuditConfig `yaml:"audit"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
}

// Chain bundles authentication, validation and audit middleware.
type Chain struct {
	auth      *security.AuthProvider
	validator *ValidationMiddleware
	audit     *security.AuditTrail
	origins   []string
	logger    *logrus.Logger
}

// NewChain builds the middleware stack from configuration. Nil sections
// disable the corresponding component.
func NewChain(config *ChainConfig, logger *logrus.Logger) (*Chain, error) {
	chain := &Chain{
		origins: config.AllowedOrigins,
		logger:  logger,
	}

	if config.Auth != nil {
		chain.auth = security.NewAuthProvider(config.Auth, logger)
	}
	if config.Validation != nil {
		validator, err := NewValidationMiddleware(config.Validation, logger)
		if err != nil {
			return nil, err
		}
		chain.validator = validator
	}
	if config.Audit != nil {
		chain.audit = security.NewAuditTrail(config.Audit, logger)
	}

	return chain, nil
}

// Handler wraps next with the full chain: headers, CORS, auth, validation.
func (c *Chain) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if c.validator != nil {
			handler = c.validator.Middleware(handler)
		}
		if c.auth != nil {
			handler = c.auth.Middleware()(handler)
		}
		handler = c.corsMiddleware()(handler)
		handler = c.headersMiddleware()(handler)

		return handler
	}
}

// Audit exposes the audit trail so handlers can record routing outcomes.
func (c *Chain) Audit() *security.AuditTrail {
	return c.audit
}

// Stop drains the audit trail.
func (c *Chain) Stop() {
	if c.audit != nil {
		c.audit.Stop()
	}
}

func (c *Chain) headersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

func (c *Chain) corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, candidate := range c.origins {
				if candidate == "*" || candidate == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
