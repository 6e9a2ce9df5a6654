package routing

import (
	"fmt"
	"sort"

	"github.com/modelrelay/llm-relay/internal/types"
)

// Strategy names the policy governing candidate ordering for one route call.
type Strategy string

const (
	StrategyCost        Strategy = "cost"
	StrategySpeed       Strategy = "speed"
	StrategyQuality     Strategy = "quality"
	StrategyPriority    Strategy = "priority"
	StrategyFallback    Strategy = "fallback"
	StrategyBalanced    Strategy = "balanced"
	StrategySpeculative Strategy = "speculative"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategyCost, StrategySpeed, StrategyQuality, StrategyPriority,
		StrategyFallback, StrategyBalanced, StrategySpeculative:
		return s, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}
}

// Balanced-score weights and normalization constants. The denominators are
// fixed, not derived from the candidate pool, so scores can leave [0,1] for
// outlier inputs. Kept as a known approximation.
const (
	weightCost         = 0.4
	weightLatency      = 0.3
	weightPriority     = 0.2
	weightAvailability = 0.1

	normCost     = 100.0
	normLatency  = 10000.0
	normPriority = 100.0
)

// Order produces the endpoint try-order for a strategy, operating only over
// enabled descriptors. Returns ErrNoEndpointsAvailable when none are enabled.
func Order(descriptors []types.EndpointDescriptor, strategy Strategy) ([]string, error) {
	enabled := make([]types.EndpointDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoEndpointsAvailable
	}

	switch strategy {
	case StrategyCost:
		sort.SliceStable(enabled, func(i, j int) bool {
			return enabled[i].CostPerMillion < enabled[j].CostPerMillion
		})
	case StrategySpeed:
		sort.SliceStable(enabled, func(i, j int) bool {
			return enabled[i].AvgLatencyMS < enabled[j].AvgLatencyMS
		})
	case StrategyQuality, StrategyPriority, StrategyFallback:
		// Lower priority rank means better; all three strategies share the
		// same ordering and differ only in caller intent.
		sort.SliceStable(enabled, func(i, j int) bool {
			return enabled[i].Priority < enabled[j].Priority
		})
	case StrategyBalanced:
		sort.SliceStable(enabled, func(i, j int) bool {
			return BalancedScore(enabled[i]) > BalancedScore(enabled[j])
		})
	default:
		return nil, fmt.Errorf("strategy %q has no direct ordering", strategy)
	}

	ids := make([]string, len(enabled))
	for i, d := range enabled {
		ids[i] = d.ID
	}
	return ids, nil
}

// OrderSpeculative applies the sub-strategy ordering and truncates to the
// first n candidates (or fewer if fewer are enabled).
func OrderSpeculative(descriptors []types.EndpointDescriptor, sub Strategy, n int) ([]string, error) {
	ids, err := Order(descriptors, sub)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}

// BalancedScore is a pure function of the four declared endpoint fields.
func BalancedScore(d types.EndpointDescriptor) float64 {
	return weightCost*(1-d.CostPerMillion/normCost) +
		weightLatency*(1-d.AvgLatencyMS/normLatency) +
		weightPriority*(1-float64(d.Priority)/normPriority) +
		weightAvailability*d.Availability
}
