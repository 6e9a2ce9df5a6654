package types

import (
	"time"
)

// TokenUsage holds token counts for one completed request.
// TotalTokens is always InputTokens + OutputTokens.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse is the result produced by an endpoint adapter.
type ChatResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	Endpoint     string        `json:"endpoint"`
	Usage        TokenUsage    `json:"usage"`
	Cost         float64       `json:"cost"`
	Duration     time.Duration `json:"duration"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// ChatChunk is one streamed fragment of a response.
type ChatChunk struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done"`
}

// RoutingAttempt records one try against one endpoint within a single
// logical call. Attempts are ordered; an endpoint appears at most once.
type RoutingAttempt struct {
	Endpoint string        `json:"endpoint"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RoutingDecision describes how the winning endpoint was chosen.
type RoutingDecision struct {
	Endpoint          string   `json:"endpoint"`
	Strategy          string   `json:"strategy"`
	Reasoning         string   `json:"reasoning"`
	Candidates        []string `json:"candidates,omitempty"`
	FallbackTriggered bool     `json:"fallback_triggered"`
}

// RoutingResult is the full outcome of one route call.
type RoutingResult struct {
	Response *ChatResponse    `json:"response"`
	Decision RoutingDecision  `json:"decision"`
	Attempts []RoutingAttempt `json:"attempts"`
	Duration time.Duration    `json:"duration"`
}

// RelayStatus is the on-demand health view of the relay.
type RelayStatus struct {
	Healthy              bool           `json:"healthy"`
	AvailableEndpoints   []string       `json:"available_endpoints"`
	UnavailableEndpoints []string       `json:"unavailable_endpoints"`
	Budget               *UsageSnapshot `json:"budget,omitempty"`
}

// UsageSnapshot summarizes recorded usage against the configured budgets.
// Percentage fields are zero when the corresponding cost ceiling is unset.
type UsageSnapshot struct {
	DailyTokens       int64   `json:"daily_tokens"`
	DailyCost         float64 `json:"daily_cost"`
	MonthlyTokens     int64   `json:"monthly_tokens"`
	MonthlyCost       float64 `json:"monthly_cost"`
	DailyPercentage   float64 `json:"daily_percentage"`
	MonthlyPercentage float64 `json:"monthly_percentage"`
}
