package limits

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/types"
)

// Window lengths for the ledgers. The rate window backs the per-minute
// ceilings; daily and monthly back the budget ceilings.
const (
	rateWindow    = time.Minute
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// BudgetConfig holds cost/token ceilings over the daily and monthly windows.
// A zero value for any field means unlimited for that dimension.
type BudgetConfig struct {
	DailyTokens   int64   `yaml:"daily_tokens"`
	DailyCost     float64 `yaml:"daily_cost"`
	MonthlyTokens int64   `yaml:"monthly_tokens"`
	MonthlyCost   float64 `yaml:"monthly_cost"`
}

// RateLimitConfig holds request/token ceilings over a rolling one-minute
// window. Zero means unlimited.
type RateLimitConfig struct {
	RequestsPerMinute int   `yaml:"requests_per_minute"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute"`
}

// BudgetDecision is the outcome of a budget check.
type BudgetDecision struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Scope   string  `json:"scope,omitempty"` // "daily" or "monthly"
	Usage   float64 `json:"usage"`
	Limit   float64 `json:"limit"`
}

// RateDecision is the outcome of a rate-limit check.
type RateDecision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// BudgetExceededError is returned when a reservation would push recorded
// plus in-flight usage past a configured budget ceiling.
type BudgetExceededError struct {
	Scope string
	Usage float64
	Limit float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s usage %.6f over limit %.6f", e.Scope, e.Usage, e.Limit)
}

// RateLimitedError is returned when a reservation would exceed a per-minute
// ceiling. RetryAfter is set for request-count violations.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Reason)
}

// Reservation is a held claim against the budgets and rate windows for one
// in-flight request. It must be resolved with Commit or Rollback.
type Reservation struct {
	ID     string
	Tokens int64
	Cost   float64
}

type record struct {
	at     time.Time
	tokens int64
	cost   float64
}

type held struct {
	tokens int64
	cost   float64
	at     time.Time
}

// Limiter gates requests against budget and rate ceilings and records actual
// usage. All ledgers are volatile process memory; entries are pruned lazily
// on every read and write.
//
// Check-then-record is deliberately not the write path: concurrent callers
// each use Reserve, which checks and claims capacity under one lock, so the
// aggregate ceiling cannot be raced past. CheckBudget and CheckRateLimits
// remain as advisory queries.
type Limiter struct {
	mu     sync.Mutex
	budget *BudgetConfig
	rate   *RateLimitConfig
	logger *logrus.Logger

	requests []time.Time // request timestamps in the rate window
	window   []record    // token usage in the rate window
	daily    []record
	monthly  []record

	reservations map[string]held

	now func() time.Time
}

// NewLimiter creates a limiter. Either config may be nil, meaning that
// policy is entirely unlimited.
func NewLimiter(budget *BudgetConfig, rate *RateLimitConfig, logger *logrus.Logger) *Limiter {
	return &Limiter{
		budget:       budget,
		rate:         rate,
		logger:       logger,
		reservations: make(map[string]held),
		now:          time.Now,
	}
}

// CheckBudget reports whether a prospective request with the given estimated
// tokens and cost would violate a daily or monthly ceiling, given already
// recorded and reserved usage.
func (l *Limiter) CheckBudget(estTokens int64, estCost float64) BudgetDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	return l.checkBudgetLocked(estTokens, estCost)
}

func (l *Limiter) checkBudgetLocked(estTokens int64, estCost float64) BudgetDecision {
	if l.budget == nil {
		return BudgetDecision{Allowed: true}
	}

	resTokens, resCost := l.reservedLocked()

	dailyTokens, dailyCost := sumRecords(l.daily)
	monthlyTokens, monthlyCost := sumRecords(l.monthly)

	checks := []struct {
		scope     string
		dimension string
		usage     float64
		projected float64
		limit     float64
	}{
		{"daily", "tokens", float64(dailyTokens), float64(dailyTokens + resTokens + estTokens), float64(l.budget.DailyTokens)},
		{"daily", "cost", dailyCost, dailyCost + resCost + estCost, l.budget.DailyCost},
		{"monthly", "tokens", float64(monthlyTokens), float64(monthlyTokens + resTokens + estTokens), float64(l.budget.MonthlyTokens)},
		{"monthly", "cost", monthlyCost, monthlyCost + resCost + estCost, l.budget.MonthlyCost},
	}

	for _, c := range checks {
		if c.limit > 0 && c.projected > c.limit {
			return BudgetDecision{
				Allowed: false,
				Reason:  fmt.Sprintf("%s %s budget exceeded", c.scope, c.dimension),
				Scope:   c.scope,
				Usage:   c.usage,
				Limit:   c.limit,
			}
		}
	}

	return BudgetDecision{Allowed: true}
}

// CheckRateLimits reports whether another request right now would violate
// the per-minute request or token ceiling.
func (l *Limiter) CheckRateLimits() RateDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	return l.checkRateLocked(0)
}

func (l *Limiter) checkRateLocked(estTokens int64) RateDecision {
	if l.rate == nil {
		return RateDecision{Allowed: true}
	}

	resTokens, _ := l.reservedLocked()
	inFlight := len(l.reservations)

	if l.rate.RequestsPerMinute > 0 && len(l.requests)+inFlight >= l.rate.RequestsPerMinute {
		var retryAfter time.Duration
		if len(l.requests) > 0 {
			retryAfter = l.requests[0].Add(rateWindow).Sub(l.now())
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return RateDecision{
			Allowed:    false,
			Reason:     fmt.Sprintf("request rate limit of %d/min reached", l.rate.RequestsPerMinute),
			RetryAfter: retryAfter,
		}
	}

	if l.rate.TokensPerMinute > 0 {
		windowTokens, _ := sumRecords(l.window)
		if windowTokens+resTokens+estTokens >= l.rate.TokensPerMinute {
			return RateDecision{
				Allowed: false,
				Reason:  fmt.Sprintf("token rate limit of %d/min reached", l.rate.TokensPerMinute),
			}
		}
	}

	return RateDecision{Allowed: true}
}

// Reserve atomically checks both policies and claims capacity for one
// in-flight request. On success the caller must later Commit the actual
// usage or Rollback. Returns *RateLimitedError or *BudgetExceededError.
func (l *Limiter) Reserve(estTokens int64, estCost float64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()

	if rd := l.checkRateLocked(estTokens); !rd.Allowed {
		return nil, &RateLimitedError{Reason: rd.Reason, RetryAfter: rd.RetryAfter}
	}
	if bd := l.checkBudgetLocked(estTokens, estCost); !bd.Allowed {
		return nil, &BudgetExceededError{Scope: bd.Scope, Usage: bd.Usage, Limit: bd.Limit}
	}

	res := &Reservation{ID: uuid.New().String(), Tokens: estTokens, Cost: estCost}
	l.reservations[res.ID] = held{tokens: estTokens, cost: estCost, at: l.now()}
	return res, nil
}

// Commit releases a reservation and records the actual usage in its place.
func (l *Limiter) Commit(res *Reservation, tokens int64, cost float64) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, res.ID)
	l.recordLocked(tokens, cost)
}

// Rollback releases a reservation without recording usage.
func (l *Limiter) Rollback(res *Reservation) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, res.ID)
}

// RecordUsage appends one completed request to all ledgers without going
// through a reservation.
func (l *Limiter) RecordUsage(tokens int64, cost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(tokens, cost)
}

func (l *Limiter) recordLocked(tokens int64, cost float64) {
	now := l.now()
	rec := record{at: now, tokens: tokens, cost: cost}

	l.requests = append(l.requests, now)
	l.window = append(l.window, rec)
	l.daily = append(l.daily, rec)
	l.monthly = append(l.monthly, rec)

	l.prune()

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"tokens": tokens,
			"cost":   cost,
		}).Debug("Usage recorded")
	}
}

// Snapshot sums the un-pruned ledgers. Percentage fields are zero when the
// corresponding cost ceiling is unset.
func (l *Limiter) Snapshot() types.UsageSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()

	dailyTokens, dailyCost := sumRecords(l.daily)
	monthlyTokens, monthlyCost := sumRecords(l.monthly)

	snap := types.UsageSnapshot{
		DailyTokens:   dailyTokens,
		DailyCost:     dailyCost,
		MonthlyTokens: monthlyTokens,
		MonthlyCost:   monthlyCost,
	}

	if l.budget != nil {
		if l.budget.DailyCost > 0 {
			snap.DailyPercentage = dailyCost / l.budget.DailyCost * 100
		}
		if l.budget.MonthlyCost > 0 {
			snap.MonthlyPercentage = monthlyCost / l.budget.MonthlyCost * 100
		}
	}

	return snap
}

// ResetDaily clears the daily ledger.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.daily = nil
}

// ResetMonthly clears the monthly ledger.
func (l *Limiter) ResetMonthly() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.monthly = nil
}

// ResetAll clears every ledger and rate window.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.daily = nil
	l.monthly = nil
	l.window = nil
	l.requests = nil
}

// prune drops entries older than each ledger's window. Callers hold the lock.
func (l *Limiter) prune() {
	now := l.now()

	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(l.requests) && l.requests[i].Before(cutoff) {
		i++
	}
	l.requests = l.requests[i:]

	l.window = pruneRecords(l.window, cutoff)
	l.daily = pruneRecords(l.daily, now.Add(-dailyWindow))
	l.monthly = pruneRecords(l.monthly, now.Add(-monthlyWindow))
}

func (l *Limiter) reservedLocked() (int64, float64) {
	var tokens int64
	var cost float64
	for _, h := range l.reservations {
		tokens += h.tokens
		cost += h.cost
	}
	return tokens, cost
}

func pruneRecords(recs []record, cutoff time.Time) []record {
	i := 0
	for i < len(recs) && recs[i].at.Before(cutoff) {
		i++
	}
	return recs[i:]
}

func sumRecords(recs []record) (int64, float64) {
	var tokens int64
	var cost float64
	for _, r := range recs {
		tokens += r.tokens
		cost += r.cost
	}
	return tokens, cost
}
