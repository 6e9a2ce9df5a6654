package metrics

import (
	"sync"
	"time"

	"github.com/modelrelay/llm-relay/internal/types"
)

// Aggregator accumulates per-endpoint and global counters. All updates go
// through one mutex; running averages use the incremental form
// avg += (sample - avg) / count so long-lived processes do not lose
// precision to a growing raw sum.
type Aggregator struct {
	mu        sync.Mutex
	endpoints map[string]*types.EndpointMetrics

	totalRequests  int64
	totalSuccesses int64
	totalFailures  int64
	totalTokens    int64
	totalCost      float64

	race  types.RaceMetrics
	raced bool

	since time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		endpoints: make(map[string]*types.EndpointMetrics),
		since:     time.Now(),
	}
}

// RecordSuccess records one successful request against an endpoint.
func (a *Aggregator) RecordSuccess(endpoint string, usage types.TokenUsage, cost float64, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.endpoint(endpoint)
	m.Requests++
	m.Successes++
	m.TotalTokens += int64(usage.TotalTokens)
	m.TotalCost += cost
	m.AvgLatencyMS += (float64(latency.Milliseconds()) - m.AvgLatencyMS) / float64(m.Successes)
	m.LastUsed = time.Now()

	a.totalRequests++
	a.totalSuccesses++
	a.totalTokens += int64(usage.TotalTokens)
	a.totalCost += cost
}

// RecordFailure records one failed attempt against an endpoint. Failed calls
// are assumed to bill nothing and contribute no latency sample.
func (a *Aggregator) RecordFailure(endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.endpoint(endpoint)
	m.Requests++
	m.Failures++

	a.totalRequests++
	a.totalFailures++
}

// RecordRace records the outcome of one speculative execution.
func (a *Aggregator) RecordRace(candidates int, timeSaved time.Duration, extraCost float64, beatSequential bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.raced = true
	r := &a.race
	r.Races++
	r.TotalExtraCost += extraCost
	r.AvgTimeSavedMS += (float64(timeSaved.Milliseconds()) - r.AvgTimeSavedMS) / float64(r.Races)
	r.AvgExtraCost += (extraCost - r.AvgExtraCost) / float64(r.Races)
	r.AvgCandidates += (float64(candidates) - r.AvgCandidates) / float64(r.Races)
	if beatSequential {
		r.WinsOverSequence++
	}
}

// Snapshot returns a copy of all counters; mutating it does not affect the
// aggregator.
func (a *Aggregator) Snapshot() types.MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := types.MetricsSnapshot{
		TotalRequests:  a.totalRequests,
		TotalSuccesses: a.totalSuccesses,
		TotalFailures:  a.totalFailures,
		TotalTokens:    a.totalTokens,
		TotalCost:      a.totalCost,
		Endpoints:      make(map[string]types.EndpointMetrics, len(a.endpoints)),
		Since:          a.since,
	}

	for id, m := range a.endpoints {
		snap.Endpoints[id] = *m
	}

	if a.raced {
		race := a.race
		snap.Race = &race
	}

	return snap
}

// Reset reinitializes every counter to zero/empty.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.endpoints = make(map[string]*types.EndpointMetrics)
	a.totalRequests = 0
	a.totalSuccesses = 0
	a.totalFailures = 0
	a.totalTokens = 0
	a.totalCost = 0
	a.race = types.RaceMetrics{}
	a.raced = false
	a.since = time.Now()
}

func (a *Aggregator) endpoint(id string) *types.EndpointMetrics {
	m, ok := a.endpoints[id]
	if !ok {
		m = &types.EndpointMetrics{}
		a.endpoints[id] = m
	}
	return m
}
