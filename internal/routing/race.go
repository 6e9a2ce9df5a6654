package routing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/limits"
	"github.com/modelrelay/llm-relay/internal/types"
)

// The sequential-run heuristics behind race metrics. Both are declared
// approximations: a hypothetical sequential run is assumed to take 1.5x the
// winner's time, and every losing candidate is assumed to have cost the same
// as the winner.
const raceSequentialFactor = 1.5

type raceOutcome struct {
	endpoint string
	resp     *types.ChatResponse
	err      error
	duration time.Duration
}

// routeRace launches one concurrent call per candidate and accepts the first
// success. Losers receive a best-effort cancellation; failures arriving after
// a winner committed are treated as cancellation-induced and discarded from
// the attempts log. The whole race is bounded by the configured request
// timeout; expiry with no winner is total failure.
func (e *Engine) routeRace(ctx context.Context, req *types.ChatRequest, candidates []string, reservation *limits.Reservation, start time.Time) (*types.RoutingResult, error) {
	// A race of one degenerates to a plain sequential call.
	if len(candidates) == 1 {
		return e.routeSequential(ctx, req, candidates, reservation, StrategySpeculative, start, e.chatCall)
	}

	var raceCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.RequestTimeout > 0 {
		raceCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
	} else {
		raceCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"candidates": candidates,
	}).Debug("Launching speculative race")

	// Buffered so losers never block after the engine has returned.
	results := make(chan raceOutcome, len(candidates))
	var winnerChosen atomic.Bool

	for _, id := range candidates {
		ep := e.endpoint(id)
		go func(id string) {
			attemptStart := time.Now()
			resp, err := ep.Chat(raceCtx, req)
			results <- raceOutcome{
				endpoint: id,
				resp:     resp,
				err:      err,
				duration: time.Since(attemptStart),
			}
		}(id)
	}

	var attempts []types.RoutingAttempt

	for range candidates {
		o := <-results

		if o.err != nil {
			if winnerChosen.Load() {
				// Cancellation-induced: deliberate work-discarding, not a
				// provider fault. Never surfaced, never metered.
				continue
			}
			attempts = append(attempts, types.RoutingAttempt{
				Endpoint: o.endpoint,
				Duration: o.duration,
				Error:    o.err.Error(),
			})
			e.metrics.RecordFailure(o.endpoint)
			e.logger.WithError(o.err).WithField("endpoint", o.endpoint).Warn("Race candidate failed")
			continue
		}

		// Exactly one branch may commit a winner; results landing after the
		// flag is set are discarded, not billed, not metered.
		if !winnerChosen.CompareAndSwap(false, true) {
			continue
		}
		cancel()

		result := e.finish(req, o.resp, o.endpoint, StrategySpeculative, candidates, attempts, reservation, o.duration, start)

		timeSaved := time.Duration(float64(o.resp.Duration) * (raceSequentialFactor - 1))
		extraCost := o.resp.Cost * float64(len(candidates)-1)
		e.metrics.RecordRace(len(candidates), timeSaved, extraCost, o.endpoint != candidates[0])

		return result, nil
	}

	e.limiter.Rollback(reservation)
	return nil, &AllFailedError{Attempts: attempts}
}
