package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/endpoints"
	"github.com/modelrelay/llm-relay/internal/limits"
	"github.com/modelrelay/llm-relay/internal/middleware"
	"github.com/modelrelay/llm-relay/internal/routing"
	"github.com/modelrelay/llm-relay/internal/types"
)

// Config holds HTTP server configuration.
type Config struct {
	Port           string                  `yaml:"port"`
	ReadTimeout    time.Duration           `yaml:"read_timeout"`
	WriteTimeout   time.Duration           `yaml:"write_timeout"`
	MaxHeaderBytes int                     `yaml:"max_header_bytes"`
	Security       *middleware.ChainConfig `yaml:"security"`
}

// Server exposes the relay engine over HTTP.
type Server struct {
	engine     *routing.Engine
	httpServer *http.Server
	logger     *logrus.Logger
	config     *Config
	chain      *middleware.Chain
}

// NewServer creates a server around an initialized engine.
func NewServer(engine *routing.Engine, config *Config, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		engine: engine,
		logger: logger,
		config: config,
	}

	if config.Security != nil {
		chain, err := middleware.NewChain(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize middleware: %w", err)
		}
		server.chain = chain
	}

	return server, nil
}

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting relay server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping relay server")
	if s.chain != nil {
		s.chain.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.chain != nil {
		r.Use(s.chain.Handler())
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")
	api.HandleFunc("/endpoints", s.handleListEndpoints).Methods("GET")
	api.HandleFunc("/endpoints/{id}", s.handleGetEndpoint).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/metrics/reset", s.handleMetricsReset).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.setupDocsRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && contentType != "application/json" {
				s.writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "invalid_request")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), "invalid_request")
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required", "invalid_request")
		return
	}

	if req.ID == "" {
		req.ID = "chatcmpl-" + uuid.NewString()
	}
	req.Timestamp = time.Now()

	if req.Stream {
		s.handleStreaming(w, r, &req)
		return
	}

	result, err := s.engine.Route(r.Context(), &req)
	if err != nil {
		s.auditRejection(r.Context(), &req, err)
		s.writeRoutingError(w, err)
		return
	}
	s.auditResult(r.Context(), &req, result)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported", "api_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	headersSent := false
	onChunk := func(chunk types.ChatChunk) {
		if !headersSent {
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.WithError(err).Error("Failed to marshal chunk")
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	result, err := s.engine.RouteStream(r.Context(), req, endpoints.ChunkHandler(onChunk))
	if err != nil {
		s.auditRejection(r.Context(), req, err)
		if !headersSent {
			w.Header().Del("Content-Type")
			s.writeRoutingError(w, err)
			return
		}
		// Mid-stream failure: the status line is already on the wire, so
		// report the error as a terminal event.
		fmt.Fprintf(w, "data: {\"error\": %q}\n\n", err.Error())
		flusher.Flush()
		return
	}
	s.auditResult(r.Context(), req, result)

	summary, _ := json.Marshal(result.Decision)
	fmt.Fprintf(w, "data: %s\n\n", summary)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	descriptors := s.engine.Descriptors()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": descriptors,
		"count":     len(descriptors),
	})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	for _, desc := range s.engine.Descriptors() {
		if desc.ID == id {
			s.writeJSON(w, http.StatusOK, desc)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("endpoint %s not found", id), "not_found")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetMetrics()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "reset",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status(r.Context())

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Error mapping

func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	var rateErr *limits.RateLimitedError
	if errors.As(err, &rateErr) {
		if rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds()+1)))
		}
		s.writeError(w, http.StatusTooManyRequests, err.Error(), "rate_limited")
		return
	}

	var budgetErr *limits.BudgetExceededError
	if errors.As(err, &budgetErr) {
		s.writeError(w, http.StatusTooManyRequests, err.Error(), "budget_exceeded")
		return
	}

	var allFailed *routing.AllFailedError
	if errors.As(err, &allFailed) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error(), "all_endpoints_failed")
		return
	}

	var epErr *routing.EndpointError
	if errors.As(err, &epErr) {
		s.writeError(w, http.StatusBadGateway, err.Error(), "endpoint_error")
		return
	}

	switch {
	case errors.Is(err, routing.ErrNoEndpointsAvailable), errors.Is(err, routing.ErrNotInitialized):
		s.writeError(w, http.StatusServiceUnavailable, err.Error(), "unavailable")
	case errors.Is(err, routing.ErrUnknownStrategy):
		s.writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
	}
}

func (s *Server) auditResult(ctx context.Context, req *types.ChatRequest, result *types.RoutingResult) {
	if s.chain == nil || s.chain.Audit() == nil {
		return
	}
	s.chain.Audit().RecordRouting(ctx, req, result)
}

func (s *Server) auditRejection(ctx context.Context, req *types.ChatRequest, err error) {
	if s.chain == nil || s.chain.Audit() == nil {
		return
	}
	s.chain.Audit().RecordRejection(ctx, req, err.Error())
}

// Helpers

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets the logging wrapper pass through SSE flushes.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
