package endpoints

import (
	"context"

	"github.com/modelrelay/llm-relay/internal/types"
)

// ChunkHandler receives streamed response fragments in order.
type ChunkHandler func(chunk types.ChatChunk)

// Endpoint is the uniform capability every LLM backend exposes to the
// routing engine. Implementations wrap one vendor API behind one declared
// descriptor.
type Endpoint interface {
	// Descriptor returns the static declared attributes of this endpoint.
	Descriptor() types.EndpointDescriptor

	// IsAvailable probes the backing service. Used by Initialize and the
	// status endpoint, never on the request path.
	IsAvailable(ctx context.Context) bool

	// Chat performs one completion call.
	Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// ChatStream performs one streaming completion call, invoking onChunk
	// for every fragment before returning the assembled response.
	ChatStream(ctx context.Context, req *types.ChatRequest, onChunk ChunkHandler) (*types.ChatResponse, error)

	// EstimateTokens approximates the token count of the given text.
	EstimateTokens(text string) int
}
