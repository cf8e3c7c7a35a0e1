// Package framing renders backend results in the OpenAI chat completion wire shape.
package framing

import (
	"time"

	"github.com/google/uuid"

	"llamagate/internal/core"
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
)

// Meta carries the response fields shared by every frame of one request.
type Meta struct {
	ID      string
	Model   string
	Created int64
}

// NewMeta returns response metadata with a fresh completion id.
func NewMeta(model string) Meta {
	return Meta{
		ID:      "chatcmpl-" + uuid.NewString(),
		Model:   model,
		Created: time.Now().Unix(),
	}
}

// Complete renders a non-streaming completion as a single response object.
func Complete(meta Meta, c *core.Completion) *core.ChatResponse {
	finish := c.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &core.ChatResponse{
		ID:      meta.ID,
		Object:  objectCompletion,
		Model:   meta.Model,
		Created: meta.Created,
		Choices: []core.Choice{
			{
				Index: 0,
				Message: core.Message{
					Role:    core.RoleAssistant,
					Content: c.Content,
				},
				FinishReason: finish,
			},
		},
		Usage: c.Usage,
	}
}

// Chunk renders one fragment as a streamed delta object.
// The first chunk of a stream also announces the assistant role.
func Chunk(meta Meta, frag core.Fragment, first bool) *core.ChatCompletionChunk {
	delta := core.Delta{Content: frag.Content}
	if first {
		delta.Role = core.RoleAssistant
	}
	return &core.ChatCompletionChunk{
		ID:      meta.ID,
		Object:  objectChunk,
		Model:   meta.Model,
		Created: meta.Created,
		Choices: []core.ChunkChoice{
			{Index: 0, Delta: delta},
		},
	}
}
