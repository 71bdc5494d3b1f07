package gateway

import (
	"context"
	"time"

	"chatrelay/internal/retry"
)

// ChatTurn is one entry of the conversation history.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the payload of the single "send chat message"
// operation. It is also what gets persisted verbatim in the offline
// queue when a send is deferred.
type ChatRequest struct {
	SessionID string     `json:"session_id,omitempty"`
	Model     string     `json:"model,omitempty"`
	Persona   string     `json:"persona,omitempty"`
	URL       string     `json:"url,omitempty"` // optional attachment URL
	History   []ChatTurn `json:"history"`
}

// ChatReply is the parsed upstream response.
type ChatReply struct {
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Content   string `json:"content"`
}

// Upstream is the hosted AI service, treated purely as a fallible
// remote call classified by status code.
type Upstream interface {
	Complete(ctx context.Context, req ChatRequest) (ChatReply, error)
}

// Config controls the gateway composition.
type Config struct {
	// Action is the limiter action key. Default: "chat".
	Action string

	// RequestTimeout bounds one upstream attempt. Default: 30s.
	RequestTimeout time.Duration

	// Retry shapes the per-send retry budget.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Action == "" {
		c.Action = "chat"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Result is the normalized outcome of Send.
//
// Exactly one of the following holds:
//   - Reply is non-nil: the message was delivered.
//   - QueuedID is non-zero: the message was deferred to the offline
//     queue (pseudo-success; the error return is nil).
//   - The error return is non-nil: RetryAfter may carry a wait hint
//     for rate-limited rejections.
type Result struct {
	Reply      *ChatReply    `json:"reply,omitempty"`
	QueuedID   int64         `json:"queued_id,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
