package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/endpoints"
	"github.com/modelrelay/llm-relay/internal/types"
)

// Config holds OpenAI-specific connection settings.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	OrgID   string `yaml:"org_id"`
	Model   string `yaml:"model"`
}

// Endpoint adapts the OpenAI chat API to the relay's endpoint capability.
type Endpoint struct {
	client     *openai.Client
	descriptor types.EndpointDescriptor
	model      string
	logger     *logrus.Logger
}

var _ endpoints.Endpoint = (*Endpoint)(nil)

// New creates an OpenAI endpoint adapter.
func New(desc types.EndpointDescriptor, cfg *Config, logger *logrus.Logger) *Endpoint {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientConfig.OrgID = cfg.OrgID
	}

	return &Endpoint{
		client:     openai.NewClientWithConfig(clientConfig),
		descriptor: desc,
		model:      cfg.Model,
		logger:     logger,
	}
}

// Descriptor returns the declared endpoint attributes.
func (e *Endpoint) Descriptor() types.EndpointDescriptor {
	return e.descriptor
}

// IsAvailable probes the models listing as a cheap liveness check.
func (e *Endpoint) IsAvailable(ctx context.Context) bool {
	_, err := e.client.ListModels(ctx)
	if err != nil {
		e.logger.WithError(err).WithField("endpoint", e.descriptor.ID).Debug("OpenAI availability probe failed")
		return false
	}
	return true
}

// Chat performs one completion call.
func (e *Endpoint) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	start := time.Now()

	resp, err := e.client.CreateChatCompletion(ctx, e.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: empty choices")
	}

	usage := types.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}

	return &types.ChatResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		Endpoint:     e.descriptor.ID,
		Usage:        usage,
		Cost:         e.descriptor.CostFor(usage.TotalTokens),
		Duration:     time.Since(start),
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// ChatStream performs one streaming completion call, forwarding deltas to
// onChunk and returning the assembled response.
func (e *Endpoint) ChatStream(ctx context.Context, req *types.ChatRequest, onChunk endpoints.ChunkHandler) (*types.ChatResponse, error) {
	start := time.Now()

	stream, err := e.client.CreateChatCompletionStream(ctx, e.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	var finishReason string
	var usage types.TokenUsage

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai chat stream recv: %w", err)
		}

		if chunk.Usage != nil {
			usage = types.TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0]
		if delta.Delta.Content != "" {
			content.WriteString(delta.Delta.Content)
			if onChunk != nil {
				onChunk(types.ChatChunk{Content: delta.Delta.Content})
			}
		}
		if delta.FinishReason != "" {
			finishReason = string(delta.FinishReason)
		}
	}

	if onChunk != nil {
		onChunk(types.ChatChunk{FinishReason: finishReason, Done: true})
	}

	// Streams only report usage when the API includes the final usage
	// chunk; estimate otherwise.
	if usage.TotalTokens == 0 {
		usage.InputTokens = e.EstimateTokens(req.Prompt)
		usage.OutputTokens = e.EstimateTokens(content.String())
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return &types.ChatResponse{
		Content:      content.String(),
		Model:        e.model,
		Endpoint:     e.descriptor.ID,
		Usage:        usage,
		Cost:         e.descriptor.CostFor(usage.TotalTokens),
		Duration:     time.Since(start),
		FinishReason: finishReason,
	}, nil
}

// EstimateTokens approximates tokens at ~4 characters each.
func (e *Endpoint) EstimateTokens(text string) int {
	return len(text) / 4
}

func (e *Endpoint) buildRequest(req *types.ChatRequest, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	out := openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}
