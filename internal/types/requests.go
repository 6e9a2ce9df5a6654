package types

import (
	"time"
)

// Message is a single prior turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is one logical completion request handed to the relay.
type ChatRequest struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	History     []Message `json:"history,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`

	// Routing hint: overrides the engine's configured strategy when set
	Strategy string `json:"strategy,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// PromptLength returns the total character count of the prompt plus history.
func (r *ChatRequest) PromptLength() int {
	total := len(r.Prompt)
	for _, m := range r.History {
		total += len(m.Content)
	}
	return total
}
