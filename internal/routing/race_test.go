package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/llm-relay/internal/endpoints/mock"
	"github.com/modelrelay/llm-relay/internal/types"
)

func speculativeRequest() *types.ChatRequest {
	req := testRequest()
	req.Strategy = "speculative"
	return req
}

func TestRace_FastestWins(t *testing.T) {
	fast := mock.New(
		types.EndpointDescriptor{ID: "fast", Enabled: true, AvgLatencyMS: 50},
		mock.WithLatency(30*time.Millisecond))
	slow := mock.New(
		types.EndpointDescriptor{ID: "slow", Enabled: true, AvgLatencyMS: 500},
		mock.WithLatency(300*time.Millisecond))

	engine := newTestEngine(t, Config{
		FallbackEnabled: true,
		RaceCandidates:  2,
		RaceStrategy:    StrategySpeed,
		RequestTimeout:  5 * time.Second,
	}, slow, fast)

	start := time.Now()
	result, err := engine.Route(context.Background(), speculativeRequest())
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if result.Decision.Endpoint != "fast" {
		t.Errorf("Expected fast to win, got %s", result.Decision.Endpoint)
	}
	if result.Decision.Strategy != "speculative" {
		t.Errorf("Decision strategy should be speculative, got %s", result.Decision.Strategy)
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("Race should return before the slow candidate, took %s", elapsed)
	}
	if len(result.Attempts) != 1 || !result.Attempts[0].Success {
		t.Errorf("Expected a single winning attempt, got %+v", result.Attempts)
	}
}

func TestRace_FastestFailsSecondWins(t *testing.T) {
	boom := errors.New("upstream unavailable")
	fast := mock.New(
		types.EndpointDescriptor{ID: "fast", Enabled: true, AvgLatencyMS: 50},
		mock.WithLatency(20*time.Millisecond), mock.WithError(boom))
	slow := mock.New(
		types.EndpointDescriptor{ID: "slow", Enabled: true, AvgLatencyMS: 500},
		mock.WithLatency(100*time.Millisecond))

	engine := newTestEngine(t, Config{
		FallbackEnabled: true,
		RaceCandidates:  2,
		RaceStrategy:    StrategySpeed,
		RequestTimeout:  5 * time.Second,
	}, fast, slow)

	result, err := engine.Route(context.Background(), speculativeRequest())
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if result.Decision.Endpoint != "slow" {
		t.Errorf("Expected slow to win after fast failed, got %s", result.Decision.Endpoint)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("Expected failure plus success in attempts, got %+v", result.Attempts)
	}
	if result.Attempts[0].Success {
		t.Error("First attempt should be the recorded failure")
	}
	if !result.Attempts[1].Success {
		t.Error("Second attempt should be the winner")
	}
}

func TestRace_AllCandidatesFail(t *testing.T) {
	boom := errors.New("upstream unavailable")
	a := mock.New(types.EndpointDescriptor{ID: "a", Enabled: true, AvgLatencyMS: 10}, mock.WithError(boom))
	b := mock.New(types.EndpointDescriptor{ID: "b", Enabled: true, AvgLatencyMS: 20}, mock.WithError(boom))

	engine := newTestEngine(t, Config{
		FallbackEnabled: true,
		RaceCandidates:  2,
		RaceStrategy:    StrategySpeed,
		RequestTimeout:  5 * time.Second,
	}, a, b)

	_, err := engine.Route(context.Background(), speculativeRequest())

	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("Expected AllFailedError, got %v", err)
	}
	if len(allFailed.Attempts) != 2 {
		t.Errorf("Expected 2 recorded attempts, got %d", len(allFailed.Attempts))
	}
}

func TestRace_MetricsRecorded(t *testing.T) {
	fast := mock.New(
		types.EndpointDescriptor{ID: "fast", Enabled: true, AvgLatencyMS: 500},
		mock.WithLatency(20*time.Millisecond))
	slow := mock.New(
		types.EndpointDescriptor{ID: "slow", Enabled: true, AvgLatencyMS: 50},
		mock.WithLatency(300*time.Millisecond))

	// By declared latency the slow mock orders first, so the actual winner
	// beats the sequential pick.
	engine := newTestEngine(t, Config{
		FallbackEnabled: true,
		RaceCandidates:  2,
		RaceStrategy:    StrategySpeed,
		RequestTimeout:  5 * time.Second,
	}, fast, slow)

	if _, err := engine.Route(context.Background(), speculativeRequest()); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	snap := engine.Metrics()
	if snap.Race == nil {
		t.Fatal("Expected race metrics after a speculative route")
	}
	if snap.Race.Races != 1 {
		t.Errorf("Expected 1 race, got %d", snap.Race.Races)
	}
	if snap.Race.WinsOverSequence != 1 {
		t.Errorf("Winner differed from the sequential pick, expected 1 win, got %d", snap.Race.WinsOverSequence)
	}
	if snap.Race.AvgCandidates != 2 {
		t.Errorf("Expected 2 average candidates, got %f", snap.Race.AvgCandidates)
	}
	if snap.Race.TotalExtraCost < 0 {
		t.Errorf("Extra cost must not be negative, got %f", snap.Race.TotalExtraCost)
	}
}

func TestRace_SingleCandidateDegeneratesToSequential(t *testing.T) {
	only := mock.New(types.EndpointDescriptor{ID: "only", Enabled: true})

	engine := newTestEngine(t, Config{
		FallbackEnabled: true,
		RaceCandidates:  1,
		RaceStrategy:    StrategySpeed,
	}, only)

	result, err := engine.Route(context.Background(), speculativeRequest())
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Decision.Endpoint != "only" {
		t.Errorf("Expected only endpoint, got %s", result.Decision.Endpoint)
	}
	if snap := engine.Metrics(); snap.Race != nil {
		t.Error("A race of one should not record race metrics")
	}
}

func TestRace_BoundedByRequestTimeout(t *testing.T) {
	hang := mock.New(
		types.EndpointDescriptor{ID: "hang", Enabled: true, AvgLatencyMS: 10},
		mock.WithLatency(5*time.Second))
	alsoHang := mock.New(
		types.EndpointDescriptor{ID: "also-hang", Enabled: true, AvgLatencyMS: 20},
		mock.WithLatency(5*time.Second))

	engine := newTestEngine(t, Config{
		FallbackEnabled: true,
		RaceCandidates:  2,
		RaceStrategy:    StrategySpeed,
		RequestTimeout:  50 * time.Millisecond,
	}, hang, alsoHang)

	start := time.Now()
	_, err := engine.Route(context.Background(), speculativeRequest())
	elapsed := time.Since(start)

	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("Expected AllFailedError on timeout, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Race not bounded by request timeout, took %s", elapsed)
	}
}

func TestRace_StreamingDowngradesToSequential(t *testing.T) {
	fast := mock.New(types.EndpointDescriptor{ID: "fast", Enabled: true, AvgLatencyMS: 10})
	slow := mock.New(types.EndpointDescriptor{ID: "slow", Enabled: true, AvgLatencyMS: 500})

	engine := newTestEngine(t, Config{
		FallbackEnabled: true,
		RaceCandidates:  2,
		RaceStrategy:    StrategySpeed,
	}, slow, fast)

	result, err := engine.RouteStream(context.Background(), speculativeRequest(), nil)
	if err != nil {
		t.Fatalf("RouteStream failed: %v", err)
	}

	// The sub-strategy ordering applies, but only one call is made.
	if result.Decision.Endpoint != "fast" {
		t.Errorf("Expected fast under the speed sub-strategy, got %s", result.Decision.Endpoint)
	}
	if result.Decision.Strategy != "speed" {
		t.Errorf("Streaming should downgrade to the sub-strategy, got %s", result.Decision.Strategy)
	}
	if slow.CallCount() != 0 {
		t.Errorf("Slow endpoint should not be called, got %d calls", slow.CallCount())
	}
}
