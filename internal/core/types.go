package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles accepted on the chat completions endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest represents the incoming chat completion request
type ChatRequest struct {
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
	N           *int          `json:"n,omitempty"`
	Stop        StopSequences `json:"stop,omitempty"`
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
}

// WithStreaming returns a shallow copy of the request with Stream set to true.
// This avoids mutating the caller's request object.
func (r *ChatRequest) WithStreaming() *ChatRequest {
	clone := *r
	clone.Stream = true
	return &clone
}

// Validate checks the request against the gateway's accepted shape.
// It returns an invalid_request GatewayError naming the offending field.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return NewInvalidRequestError("model is required", nil)
	}
	if len(r.Messages) == 0 {
		return NewInvalidRequestError("messages must contain at least one message", nil)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		case "":
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].role is required", i), nil)
		default:
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].role %q must be one of system, user, assistant", i, m.Role), nil)
		}
	}
	if r.N != nil && *r.N != 1 {
		return NewInvalidRequestError("n must be 1: only a single choice is supported", nil)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return NewInvalidRequestError("temperature must be between 0 and 2", nil)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return NewInvalidRequestError("top_p must be between 0 and 1", nil)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return NewInvalidRequestError("max_tokens must be greater than 0", nil)
	}
	return nil
}

// Message represents a single message in the chat
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StopSequences accepts both the string and the array form of "stop".
type StopSequences []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopSequences{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// ChatResponse represents the chat completion response
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Created int64    `json:"created"`
}

// Choice represents a single completion choice
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	Index        int     `json:"index"`
}

// ChatCompletionChunk is one streamed delta frame.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Created int64         `json:"created"`
}

// ChunkChoice carries the delta of a streamed frame.
type ChunkChoice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
	Index        int     `json:"index"`
}

// Delta is the incremental message content of a chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model represents a single model in the models list
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// ModelsResponse represents the response from the /v1/models endpoint
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
