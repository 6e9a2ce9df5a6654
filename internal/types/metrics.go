package types

import (
	"time"
)

// EndpointMetrics holds the per-endpoint counters accumulated by the relay.
type EndpointMetrics struct {
	Requests     int64     `json:"requests"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCost    float64   `json:"total_cost"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastUsed     time.Time `json:"last_used,omitempty"`
}

// RaceMetrics holds counters specific to speculative execution.
type RaceMetrics struct {
	Races            int64   `json:"races"`
	TotalExtraCost   float64 `json:"total_extra_cost"`
	AvgTimeSavedMS   float64 `json:"avg_time_saved_ms"`
	AvgExtraCost     float64 `json:"avg_extra_cost"`
	WinsOverSequence int64   `json:"wins_over_sequence"`
	AvgCandidates    float64 `json:"avg_candidates"`
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	TotalRequests  int64                      `json:"total_requests"`
	TotalSuccesses int64                      `json:"total_successes"`
	TotalFailures  int64                      `json:"total_failures"`
	TotalTokens    int64                      `json:"total_tokens"`
	TotalCost      float64                    `json:"total_cost"`
	Endpoints      map[string]EndpointMetrics `json:"endpoints"`
	Race           *RaceMetrics               `json:"race,omitempty"`
	Since          time.Time                  `json:"since"`
}
