package types

import (
	"time"
)

// EndpointDescriptor carries the static, caller-declared attributes of one
// LLM endpoint. Descriptors are immutable once registered; registering a
// second descriptor under the same ID replaces the first.
type EndpointDescriptor struct {
	ID             string        `json:"id" yaml:"id"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	CostPerMillion float64       `json:"cost_per_million" yaml:"cost_per_million"`
	AvgLatencyMS   float64       `json:"avg_latency_ms" yaml:"avg_latency_ms"`
	Priority       int           `json:"priority" yaml:"priority"`
	Availability   float64       `json:"availability" yaml:"availability"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CostFor returns the declared cost of the given token count.
func (d EndpointDescriptor) CostFor(tokens int) float64 {
	return float64(tokens) / 1_000_000 * d.CostPerMillion
}
