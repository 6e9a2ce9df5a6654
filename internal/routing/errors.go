package routing

import (
	"errors"
	"fmt"

	"github.com/modelrelay/llm-relay/internal/types"
)

// Sentinel errors.
var (
	ErrNotInitialized       = errors.New("routing engine not initialized")
	ErrNoEndpointsAvailable = errors.New("no endpoints available")
	ErrUnknownStrategy      = errors.New("unknown routing strategy")
)

// EndpointError wraps a single endpoint failure with its endpoint ID. It is
// returned directly to the caller only when fallback is disabled; with
// fallback enabled it is absorbed into the attempts log.
type EndpointError struct {
	Endpoint string
	Err      error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %s failed: %v", e.Endpoint, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// AllFailedError reports that every candidate failed. Attempts carries one
// entry per endpoint tried, in order, for diagnostics.
type AllFailedError struct {
	Attempts []types.RoutingAttempt
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all endpoints failed after %d attempts", len(e.Attempts))
}
