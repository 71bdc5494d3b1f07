package breaker

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/relayerr"
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the breaker.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures in the closed state. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a
	// single half-open probe. Default: 30s.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Snapshot is a read-only view for status endpoints and logs.
type Snapshot struct {
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	LastTransition time.Time `json:"last_transition"`
	ProbeInFlight  bool      `json:"probe_in_flight,omitempty"`
}

// StateEvent is published on the bus when the circuit transitions.
type StateEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Breaker tracks upstream health across calls and fails fast while the
// dependency is known-bad.
//
// The state read-and-transition in Execute completes under one mutex
// hold; the wrapped call runs outside the lock. The failure threshold
// may be overshot by a small margin when many calls are already in
// flight, but it is never silently bypassed.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	bus eventbus.Bus

	state          State
	failures       int
	openedAt       time.Time
	lastTransition time.Time
	probeInFlight  bool

	// now is injectable for tests.
	now func() time.Time
}

// New creates a closed breaker. bus may be nil.
func New(cfg Config, bus eventbus.Bus) *Breaker {
	b := &Breaker{
		cfg: cfg.withDefaults(),
		bus: bus,
		now: time.Now,
	}
	b.lastTransition = b.now()
	return b
}

// SetClock overrides the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	if now != nil {
		b.now = now
	}
	b.mu.Unlock()
}

// Execute runs fn under breaker protection.
//
// While open and within the cooldown it rejects with a circuit-open
// error without invoking fn. While half-open, only the first caller
// proceeds as the probe; others are rejected the same way until the
// probe resolves.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// acquire performs the synchronous state check, transitioning
// open -> half-open when the cooldown has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		remaining := b.cfg.Cooldown - now.Sub(b.openedAt)
		if remaining > 0 {
			return relayerr.WithRetryAfter(relayerr.KindCircuitOpen, remaining,
				relayerr.New(relayerr.KindCircuitOpen, "circuit open"))
		}
		b.transition(StateHalfOpen, now)
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			return relayerr.New(relayerr.KindCircuitOpen, "half-open probe in flight")
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// record applies the call outcome.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if err == nil {
			b.failures = 0
			b.transition(StateClosed, now)
			return
		}
		// Failed probe: cooldown timer restarts.
		b.openedAt = now
		b.transition(StateOpen, now)

	case StateClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(StateOpen, now)
		}

	case StateOpen:
		// A call admitted just before a trip completed late. Failures in
		// this state don't change anything; a success is ignored too,
		// recovery only happens through the half-open probe.
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = now
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type: eventbus.TypeBreakerState,
			Time: now,
			Data: StateEvent{From: from, To: to},
		})
	}
}

// Snapshot returns the current observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:          b.state,
		Failures:       b.failures,
		LastTransition: b.lastTransition,
		ProbeInFlight:  b.probeInFlight,
	}
}
