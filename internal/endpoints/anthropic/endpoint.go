package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/endpoints"
	"github.com/modelrelay/llm-relay/internal/types"
)

// Config holds Anthropic-specific connection settings.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Endpoint adapts the Anthropic messages API to the relay's endpoint
// capability.
type Endpoint struct {
	client     *anthropic.Client
	descriptor types.EndpointDescriptor
	model      string
	logger     *logrus.Logger
}

var _ endpoints.Endpoint = (*Endpoint)(nil)

// New creates an Anthropic endpoint adapter.
func New(desc types.EndpointDescriptor, cfg *Config, logger *logrus.Logger) *Endpoint {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &Endpoint{
		client:     &client,
		descriptor: desc,
		model:      cfg.Model,
		logger:     logger,
	}
}

// Descriptor returns the declared endpoint attributes.
func (e *Endpoint) Descriptor() types.EndpointDescriptor {
	return e.descriptor
}

// IsAvailable probes with a minimal one-token message.
func (e *Endpoint) IsAvailable(ctx context.Context) bool {
	probe := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	}

	_, err := e.client.Messages.New(ctx, probe)
	if err != nil {
		e.logger.WithError(err).WithField("endpoint", e.descriptor.ID).Debug("Anthropic availability probe failed")
		return false
	}
	return true
}

// Chat performs one completion call.
func (e *Endpoint) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	start := time.Now()

	resp, err := e.client.Messages.New(ctx, e.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic message: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := types.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}

	return &types.ChatResponse{
		Content:      content.String(),
		Model:        string(resp.Model),
		Endpoint:     e.descriptor.ID,
		Usage:        usage,
		Cost:         e.descriptor.CostFor(usage.TotalTokens),
		Duration:     time.Since(start),
		FinishReason: string(resp.StopReason),
	}, nil
}

// ChatStream performs one streaming completion call.
func (e *Endpoint) ChatStream(ctx context.Context, req *types.ChatRequest, onChunk endpoints.ChunkHandler) (*types.ChatResponse, error) {
	start := time.Now()

	stream := e.client.Messages.NewStreaming(ctx, e.buildParams(req))

	var content strings.Builder
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream accumulate: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				content.WriteString(deltaVariant.Text)
				if onChunk != nil {
					onChunk(types.ChatChunk{Content: deltaVariant.Text})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	if onChunk != nil {
		onChunk(types.ChatChunk{FinishReason: string(message.StopReason), Done: true})
	}

	usage := types.TokenUsage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}
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
		FinishReason: string(message.StopReason),
	}, nil
}

// EstimateTokens approximates tokens at ~4 characters each.
func (e *Endpoint) EstimateTokens(text string) int {
	return len(text) / 4
}

func (e *Endpoint) buildParams(req *types.ChatRequest) anthropic.MessageNewParams {
	var system string
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)

	for _, m := range req.History {
		switch m.Role {
		case "system":
			// Claude takes system turns as a separate field.
			system = m.Content
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:    anthropic.Model(e.model),
		Messages: messages,
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system, Type: "text"},
		}
	}

	// Anthropic requires max_tokens on every request.
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	} else {
		params.MaxTokens = 1024
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}

	return params
}
