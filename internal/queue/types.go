package queue

import (
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("offline queue disabled")
	ErrDrainInFlight = errors.New("drain already in flight")
	ErrNotFound      = errors.New("message not found")
)

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Message is one deferred outbound chat request.
//
// A message is created when a send attempt fails while offline or after
// retries are exhausted. It transitions pending -> sent on successful
// replay, or pending -> failed once RetryCount reaches the configured
// cap. Failed messages are retained for inspection, never silently
// dropped.
type Message struct {
	ID          int64     `json:"id"`
	Data        []byte    `json:"data"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Response is the stored upstream reply for a sent message.
type Response struct {
	MessageID int64     `json:"message_id"`
	Response  []byte    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// Config controls drain behavior.
//
// All durations are configured as Go duration strings at the config
// layer and resolved before reaching here.
type Config struct {
	// MaxAttempts caps replay attempts per message. Default: 3.
	MaxAttempts int

	// RetryBase/RetryMaxDelay shape the per-message re-drain backoff,
	// keyed to that message's retry count. Defaults: 2s / 1m.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// SendTimeout bounds a single replay attempt. Default: 30s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Report summarizes one drain pass.
type Report struct {
	Processed int
	Sent      int
	Failed    int
	Deferred  int
}

// QueueEvent is emitted on the event bus for queue lifecycle events.
type QueueEvent struct {
	MessageID  int64  `json:"message_id"`
	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
}
