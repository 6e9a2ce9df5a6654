// Package mock provides a scriptable endpoint for tests and local runs.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/modelrelay/llm-relay/internal/endpoints"
	"github.com/modelrelay/llm-relay/internal/types"
)

// Endpoint is a configurable in-memory endpoint adapter.
type Endpoint struct {
	descriptor types.EndpointDescriptor
	latency    time.Duration
	usage      types.TokenUsage
	content    string
	staticErr  error
	failFirst  int
	available  bool
	callCount  atomic.Int64
	chatFunc   func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
}

var _ endpoints.Endpoint = (*Endpoint)(nil)

// Option configures a mock Endpoint.
type Option func(*Endpoint)

// New creates a mock endpoint with the given descriptor and options.
func New(desc types.EndpointDescriptor, opts ...Option) *Endpoint {
	e := &Endpoint{
		descriptor: desc,
		content:    "mock completion",
		available:  true,
		usage: types.TokenUsage{
			InputTokens:  10,
			OutputTokens: 20,
			TotalTokens:  30,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(e *Endpoint) { e.latency = d }
}

// WithContent sets the completion text returned by the mock.
func WithContent(content string) Option {
	return func(e *Endpoint) { e.content = content }
}

// WithUsage sets the token usage returned by the mock.
func WithUsage(u types.TokenUsage) Option {
	return func(e *Endpoint) { e.usage = u }
}

// WithError makes every call return this error.
func WithError(err error) Option {
	return func(e *Endpoint) { e.staticErr = err }
}

// WithFailFirst makes the first n calls fail before succeeding.
func WithFailFirst(n int, err error) Option {
	return func(e *Endpoint) {
		e.failFirst = n
		e.staticErr = err
	}
}

// WithUnavailable makes IsAvailable report false.
func WithUnavailable() Option {
	return func(e *Endpoint) { e.available = false }
}

// WithChatFunc overrides the chat behavior entirely.
func WithChatFunc(fn func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)) Option {
	return func(e *Endpoint) { e.chatFunc = fn }
}

func (e *Endpoint) Descriptor() types.EndpointDescriptor { return e.descriptor }

func (e *Endpoint) IsAvailable(ctx context.Context) bool { return e.available }

func (e *Endpoint) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	start := time.Now()

	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	count := e.callCount.Add(1)

	if e.chatFunc != nil {
		return e.chatFunc(ctx, req)
	}

	if e.staticErr != nil {
		if e.failFirst == 0 || int(count) <= e.failFirst {
			return nil, e.staticErr
		}
	}

	return &types.ChatResponse{
		Content:      e.content,
		Model:        "mock-model",
		Endpoint:     e.descriptor.ID,
		Usage:        e.usage,
		Cost:         e.descriptor.CostFor(e.usage.TotalTokens),
		Duration:     time.Since(start),
		FinishReason: "stop",
	}, nil
}

func (e *Endpoint) ChatStream(ctx context.Context, req *types.ChatRequest, onChunk endpoints.ChunkHandler) (*types.ChatResponse, error) {
	resp, err := e.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	if onChunk != nil {
		onChunk(types.ChatChunk{Content: resp.Content})
		onChunk(types.ChatChunk{FinishReason: resp.FinishReason, Done: true})
	}

	return resp, nil
}

func (e *Endpoint) EstimateTokens(text string) int {
	return len(text) / 4
}

// CallCount returns the number of chat calls made against the mock.
func (e *Endpoint) CallCount() int64 { return e.callCount.Load() }
