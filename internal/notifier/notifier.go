package notifier

import (
	"sync"
	"time"

	logx "chatrelay/pkg/logx"

	"golang.org/x/time/rate"
)

// Kind is the user-facing outcome class of a notification.
type Kind string

const (
	KindQueued      Kind = "queued"
	KindSent        Kind = "sent"
	KindFailed      Kind = "failed"
	KindRateLimited Kind = "rate-limited"
	KindCircuitOpen Kind = "circuit-open"
)

// Event is one UI notification (toast/log line).
type Event struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	MessageID int64     `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Callback receives events. Callbacks must be fast; slow consumers
// should hand off to their own queue.
type Callback func(Event)

// Config controls throttling and history retention.
type Config struct {
	RatePerSec  int
	HistorySize int
}

// Service fans notifications out to registered UI callbacks.
//
// Emission is throttled with a token bucket so a flapping upstream
// can't flood the UI; dropped events still land in the log. A bounded
// in-memory history backs the status endpoint.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	limiter *rate.Limiter

	cbs []Callback

	hmu     sync.Mutex
	history []Event
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		cfg: cfg,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Register adds a UI callback. Registration is expected once at startup.
func (s *Service) Register(cb Callback) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	s.cbs = append(s.cbs, cb)
	s.mu.Unlock()
}

// Publish delivers an event to all callbacks, subject to throttling.
func (s *Service) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.appendHistory(e)

	s.mu.Lock()
	lim := s.limiter
	cbs := append([]Callback(nil), s.cbs...)
	s.mu.Unlock()

	if !lim.Allow() {
		s.log.Debug("notification throttled",
			logx.String("kind", string(e.Kind)), logx.Int64("message_id", e.MessageID))
		return
	}

	s.log.Debug("notification",
		logx.String("kind", string(e.Kind)),
		logx.Int64("message_id", e.MessageID),
		logx.String("text", e.Message))
	for _, cb := range cbs {
		cb(e)
	}
}

// History returns up to n most recent events, newest last.
func (s *Service) History(n int) []Event {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Event, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

func (s *Service) appendHistory(e Event) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, e)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}
