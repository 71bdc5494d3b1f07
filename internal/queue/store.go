package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "chatrelay/pkg/logx"
)

// Store is the durable persistence API behind the offline queue.
//
// It is the only mutation surface for queued messages; nothing else
// writes to the underlying tables. All operations are transactional
// where they touch more than one row (MarkSent writes the message row
// and the response row atomically).
type Store interface {
	// Add persists a new pending message and returns it with its id.
	Add(ctx context.Context, data []byte) (Message, error)

	// Get returns one message by id.
	Get(ctx context.Context, id int64) (Message, bool, error)

	// ListByStatus returns all messages with the given status, oldest
	// first (enqueue order).
	ListByStatus(ctx context.Context, status Status) ([]Message, error)

	// MarkSent transitions a message to sent and stores its response.
	MarkSent(ctx context.Context, id int64, response []byte) error

	// MarkFailed transitions a message to failed. The retry count is
	// not touched here; BumpRetry accounts for attempts.
	MarkFailed(ctx context.Context, id int64, lastErr string) error

	// BumpRetry increments the retry count of a pending message and
	// returns the new count.
	BumpRetry(ctx context.Context, id int64, lastErr string) (int, error)

	// Response returns the stored upstream reply for a sent message.
	Response(ctx context.Context, id int64) (Response, bool, error)

	// Counts returns per-status message counts.
	Counts(ctx context.Context) (map[Status]int, error)

	// PruneSentBefore removes sent messages (and their responses) last
	// updated before the cutoff. Failed messages are never pruned.
	PruneSentBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// StoreConfig configures the durable store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//
// If Driver is "none", the queue is disabled and sends fail hard when
// offline instead of being deferred.
type StoreConfig struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite; 0 means default
}

// OpenStore initializes the configured store.
// It returns (nil, nil) if the queue is disabled.
func OpenStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown queue store driver: " + driver)
	}
}
