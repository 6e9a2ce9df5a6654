package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/endpoints"
	"github.com/modelrelay/llm-relay/internal/limits"
	"github.com/modelrelay/llm-relay/internal/metrics"
	"github.com/modelrelay/llm-relay/internal/types"
)

const defaultMaxOutputTokens = 1024

// Config holds routing engine configuration.
type Config struct {
	Strategy         Strategy      `yaml:"strategy"`
	FallbackEnabled  bool          `yaml:"fallback_enabled"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	DefaultMaxTokens int           `yaml:"default_max_tokens"`
	RaceCandidates   int           `yaml:"race_candidates"`
	RaceStrategy     Strategy      `yaml:"race_strategy"`
}

// Engine orchestrates one logical request: gate, select, execute with
// fallback or race, record usage and metrics, assemble the result.
type Engine struct {
	mu        sync.RWMutex
	endpoints map[string]endpoints.Endpoint
	order     []string // registration order, the input to every stable sort

	limiter *limits.Limiter
	metrics *metrics.Aggregator
	cfg     Config
	logger  *logrus.Logger

	initialized bool
}

// NewEngine creates a routing engine. Endpoints are added with
// RegisterEndpoint; Initialize must be called before Route/RouteStream.
func NewEngine(cfg Config, limiter *limits.Limiter, aggregator *metrics.Aggregator, logger *logrus.Logger) *Engine {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPriority
	}
	if cfg.RaceCandidates < 1 {
		cfg.RaceCandidates = 2
	}
	if cfg.RaceStrategy == "" {
		cfg.RaceStrategy = StrategySpeed
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = defaultMaxOutputTokens
	}

	return &Engine{
		endpoints: make(map[string]endpoints.Endpoint),
		limiter:   limiter,
		metrics:   aggregator,
		cfg:       cfg,
		logger:    logger,
	}
}

// RegisterEndpoint adds an endpoint, replacing any prior registration under
// the same descriptor ID.
func (e *Engine) RegisterEndpoint(ep endpoints.Endpoint) {
	id := ep.Descriptor().ID

	e.mu.Lock()
	if _, exists := e.endpoints[id]; !exists {
		e.order = append(e.order, id)
	}
	e.endpoints[id] = ep
	e.mu.Unlock()

	e.logger.WithField("endpoint", id).Info("Endpoint registered")
}

// Initialize probes every registered endpoint. Unavailable endpoints are
// logged, not fatal; they stay registered and selectable.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	eps := make(map[string]endpoints.Endpoint, len(e.endpoints))
	for id, ep := range e.endpoints {
		eps[id] = ep
	}
	e.initialized = true
	e.mu.Unlock()

	for id, ep := range eps {
		if !ep.IsAvailable(ctx) {
			e.logger.WithField("endpoint", id).Warn("Endpoint reported unavailable during initialization")
		}
	}

	e.logger.WithField("endpoints", len(eps)).Info("Routing engine initialized")
	return nil
}

// Route executes one non-streaming request.
func (e *Engine) Route(ctx context.Context, req *types.ChatRequest) (*types.RoutingResult, error) {
	start := time.Now()

	strategy, descriptors, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	estTokens := e.estimateTokens(req)
	estCost := estimateCost(estTokens, descriptors)

	reservation, err := e.limiter.Reserve(estTokens, estCost)
	if err != nil {
		e.logger.WithError(err).Warn("Request gated before selection")
		return nil, err
	}

	if strategy == StrategySpeculative {
		candidates, err := OrderSpeculative(descriptors, e.cfg.RaceStrategy, e.cfg.RaceCandidates)
		if err != nil {
			e.limiter.Rollback(reservation)
			return nil, err
		}
		return e.routeRace(ctx, req, candidates, reservation, start)
	}

	candidates, err := Order(descriptors, strategy)
	if err != nil {
		e.limiter.Rollback(reservation)
		return nil, err
	}

	return e.routeSequential(ctx, req, candidates, reservation, strategy, start, e.chatCall)
}

// RouteStream executes one streaming request. Race mode is not supported on
// the streaming path: a speculative strategy runs its sub-strategy ordering
// sequentially.
func (e *Engine) RouteStream(ctx context.Context, req *types.ChatRequest, onChunk endpoints.ChunkHandler) (*types.RoutingResult, error) {
	start := time.Now()

	strategy, descriptors, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	if strategy == StrategySpeculative {
		strategy = e.cfg.RaceStrategy
		e.logger.WithField("strategy", strategy).Debug("Streaming request downgraded from speculative to sequential")
	}

	estTokens := e.estimateTokens(req)
	estCost := estimateCost(estTokens, descriptors)

	reservation, err := e.limiter.Reserve(estTokens, estCost)
	if err != nil {
		e.logger.WithError(err).Warn("Request gated before selection")
		return nil, err
	}

	candidates, err := Order(descriptors, strategy)
	if err != nil {
		e.limiter.Rollback(reservation)
		return nil, err
	}

	call := func(ctx context.Context, ep endpoints.Endpoint, req *types.ChatRequest) (*types.ChatResponse, error) {
		return ep.ChatStream(ctx, req, onChunk)
	}
	return e.routeSequential(ctx, req, candidates, reservation, strategy, start, call)
}

// Metrics returns a copy of the current counters.
func (e *Engine) Metrics() types.MetricsSnapshot {
	return e.metrics.Snapshot()
}

// ResetMetrics reinitializes every counter.
func (e *Engine) ResetMetrics() {
	e.metrics.Reset()
	e.logger.Info("Metrics reset")
}

// Usage returns the limiter's current usage snapshot.
func (e *Engine) Usage() types.UsageSnapshot {
	return e.limiter.Snapshot()
}

// Status re-probes availability of every registered endpoint on demand.
func (e *Engine) Status(ctx context.Context) types.RelayStatus {
	e.mu.RLock()
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	eps := make(map[string]endpoints.Endpoint, len(e.endpoints))
	for id, ep := range e.endpoints {
		eps[id] = ep
	}
	e.mu.RUnlock()

	status := types.RelayStatus{}
	for _, id := range ids {
		if eps[id].IsAvailable(ctx) {
			status.AvailableEndpoints = append(status.AvailableEndpoints, id)
		} else {
			status.UnavailableEndpoints = append(status.UnavailableEndpoints, id)
		}
	}
	status.Healthy = len(status.AvailableEndpoints) > 0

	usage := e.limiter.Snapshot()
	status.Budget = &usage

	return status
}

// Descriptors lists every registered endpoint in registration order.
func (e *Engine) Descriptors() []types.EndpointDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	descriptors := make([]types.EndpointDescriptor, 0, len(e.order))
	for _, id := range e.order {
		descriptors = append(descriptors, e.endpoints[id].Descriptor())
	}
	return descriptors
}

// prepare validates engine state and resolves the strategy and the enabled
// descriptor set for one call.
func (e *Engine) prepare(req *types.ChatRequest) (Strategy, []types.EndpointDescriptor, error) {
	e.mu.RLock()
	initialized := e.initialized
	descriptors := make([]types.EndpointDescriptor, 0, len(e.order))
	for _, id := range e.order {
		descriptors = append(descriptors, e.endpoints[id].Descriptor())
	}
	e.mu.RUnlock()

	if !initialized {
		return "", nil, ErrNotInitialized
	}

	strategy := e.cfg.Strategy
	if req.Strategy != "" {
		parsed, err := ParseStrategy(req.Strategy)
		if err != nil {
			return "", nil, err
		}
		strategy = parsed
	}

	return strategy, descriptors, nil
}

type chatCall func(ctx context.Context, ep endpoints.Endpoint, req *types.ChatRequest) (*types.ChatResponse, error)

func (e *Engine) chatCall(ctx context.Context, ep endpoints.Endpoint, req *types.ChatRequest) (*types.ChatResponse, error) {
	return ep.Chat(ctx, req)
}

// routeSequential tries candidates in order, one at a time. An attempt
// failure either propagates immediately (fallback off) or moves on to the
// next candidate (fallback on).
func (e *Engine) routeSequential(ctx context.Context, req *types.ChatRequest, candidates []string, reservation *limits.Reservation, strategy Strategy, start time.Time, call chatCall) (*types.RoutingResult, error) {
	var attempts []types.RoutingAttempt

	for _, id := range candidates {
		ep := e.endpoint(id)

		attemptCtx, cancel := e.attemptContext(ctx, ep.Descriptor())
		attemptStart := time.Now()
		resp, err := call(attemptCtx, ep, req)
		cancel()
		elapsed := time.Since(attemptStart)

		if err != nil {
			attempts = append(attempts, types.RoutingAttempt{
				Endpoint: id,
				Duration: elapsed,
				Error:    err.Error(),
			})
			e.metrics.RecordFailure(id)
			e.logger.WithError(err).WithFields(logrus.Fields{
				"endpoint": id,
				"attempt":  len(attempts),
			}).Warn("Endpoint attempt failed")

			if !e.cfg.FallbackEnabled {
				e.limiter.Rollback(reservation)
				return nil, &EndpointError{Endpoint: id, Err: err}
			}
			continue
		}

		return e.finish(req, resp, id, strategy, candidates, attempts, reservation, elapsed, start), nil
	}

	e.limiter.Rollback(reservation)
	return nil, &AllFailedError{Attempts: attempts}
}

// finish records the winning attempt, commits usage and metrics, and
// assembles the routing result.
func (e *Engine) finish(req *types.ChatRequest, resp *types.ChatResponse, winner string, strategy Strategy, candidates []string, attempts []types.RoutingAttempt, reservation *limits.Reservation, elapsed time.Duration, start time.Time) *types.RoutingResult {
	resp.Endpoint = winner
	if resp.Duration == 0 {
		resp.Duration = elapsed
	}

	attempts = append(attempts, types.RoutingAttempt{
		Endpoint: winner,
		Success:  true,
		Duration: elapsed,
	})

	fallbackTriggered := len(attempts) > 1

	e.metrics.RecordSuccess(winner, resp.Usage, resp.Cost, resp.Duration)
	e.limiter.Commit(reservation, int64(resp.Usage.TotalTokens), resp.Cost)

	decision := types.RoutingDecision{
		Endpoint:          winner,
		Strategy:          string(strategy),
		Reasoning:         e.reasonFor(strategy, winner, fallbackTriggered),
		Candidates:        others(candidates, winner),
		FallbackTriggered: fallbackTriggered,
	}

	e.logger.WithFields(logrus.Fields{
		"request_id":  req.ID,
		"endpoint":    winner,
		"strategy":    strategy,
		"attempts":    len(attempts),
		"fallback":    fallbackTriggered,
		"tokens":      resp.Usage.TotalTokens,
		"cost":        resp.Cost,
		"duration_ms": resp.Duration.Milliseconds(),
	}).Info("Request routed")

	return &types.RoutingResult{
		Response: resp,
		Decision: decision,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

// attemptContext applies the per-endpoint timeout override, falling back to
// the engine's request timeout.
func (e *Engine) attemptContext(ctx context.Context, desc types.EndpointDescriptor) (context.Context, context.CancelFunc) {
	timeout := e.cfg.RequestTimeout
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) endpoint(id string) endpoints.Endpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.endpoints[id]
}

func (e *Engine) descriptor(id string) types.EndpointDescriptor {
	return e.endpoint(id).Descriptor()
}

// estimateTokens projects the token cost of a prospective request: prompt
// characters at ~4 chars per token plus the declared or default output cap.
func (e *Engine) estimateTokens(req *types.ChatRequest) int64 {
	tokens := int64(req.PromptLength() / 4)
	if req.MaxTokens != nil {
		tokens += int64(*req.MaxTokens)
	} else {
		tokens += int64(e.cfg.DefaultMaxTokens)
	}
	return tokens
}

// estimateCost prices the projected tokens at the cheapest enabled rate.
// The gate only needs a lower bound; the actual endpoint is not chosen yet.
func estimateCost(tokens int64, descriptors []types.EndpointDescriptor) float64 {
	min := -1.0
	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		if min < 0 || d.CostPerMillion < min {
			min = d.CostPerMillion
		}
	}
	if min < 0 {
		return 0
	}
	return float64(tokens) / 1_000_000 * min
}

func (e *Engine) reasonFor(strategy Strategy, winner string, fallback bool) string {
	d := e.descriptor(winner)

	var reason string
	switch strategy {
	case StrategyCost:
		reason = fmt.Sprintf("lowest declared cost ($%.2f/M tokens)", d.CostPerMillion)
	case StrategySpeed:
		reason = fmt.Sprintf("lowest declared latency (%.0fms)", d.AvgLatencyMS)
	case StrategyQuality, StrategyPriority, StrategyFallback:
		reason = fmt.Sprintf("priority rank %d", d.Priority)
	case StrategyBalanced:
		reason = fmt.Sprintf("highest balanced score (%.3f)", BalancedScore(d))
	case StrategySpeculative:
		reason = "first successful candidate in race"
	default:
		reason = string(strategy)
	}

	if fallback {
		reason += ", reached via fallback"
	}
	return reason
}

func others(candidates []string, winner string) []string {
	var rest []string
	for _, id := range candidates {
		if id != winner {
			rest = append(rest, id)
		}
	}
	return rest
}
