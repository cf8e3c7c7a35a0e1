// Package requestlog records one entry per chat completion request and
// writes them in batches to SQLite, PostgreSQL or MongoDB.
package requestlog

import (
	"context"
	"time"
)

// Store persists request log entries.
// Implementations must be safe for concurrent use.
type Store interface {
	WriteBatch(ctx context.Context, entries []*Entry) error
	// Flush forces pending writes to complete. Called on shutdown.
	Flush(ctx context.Context) error
	Close() error
}

// Entry describes how one chat completion request ended.
type Entry struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	Model   string `json:"model" bson:"model"`
	Backend string `json:"backend" bson:"backend"`
	Stream  bool   `json:"stream" bson:"stream"`

	StatusCode int    `json:"status_code" bson:"status_code"`
	Outcome    string `json:"outcome" bson:"outcome"`
	ErrorType  string `json:"error_type,omitempty" bson:"error_type,omitempty"`

	// Fragments is the number of streamed frames delivered.
	Fragments        int   `json:"fragments" bson:"fragments"`
	PromptTokens     int   `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens" bson:"completion_tokens"`
	DurationMs       int64 `json:"duration_ms" bson:"duration_ms"`
}

// Config controls request logging.
type Config struct {
	Enabled       bool
	BufferSize    int
	FlushInterval time.Duration
	// RetentionDays is how long entries are kept (0 = forever).
	RetentionDays int
}

// DefaultConfig returns the default request log configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}

// Recorder accepts entries. Write never blocks the request path.
type Recorder interface {
	Write(entry *Entry)
	Close() error
}
