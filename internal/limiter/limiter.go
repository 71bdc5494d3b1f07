package limiter

import (
	"strings"
	"sync"
	"time"

	"chatrelay/internal/relayerr"
)

// Rule bounds one action: at most Limit admissions per trailing Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) withDefaults() Rule {
	if r.Limit <= 0 {
		r.Limit = 20
	}
	if r.Window <= 0 {
		r.Window = time.Minute
	}
	return r
}

// Config configures the admission limiter.
//
// Rules are keyed by action name; actions without a rule use Default.
// IdleEviction controls how long a fully-expired key is kept before
// Cleanup() drops it (bounds memory independent of traffic shape).
type Config struct {
	Default      Rule
	Rules        map[string]Rule
	IdleEviction time.Duration
}

// Decision is the outcome of a single admission check.
//
// When Allowed is false, RetryAfter is the deterministic wait until the
// oldest in-window admission leaves the window.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Err converts a rejection into a tagged error (nil when allowed).
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return relayerr.WithRetryAfter(relayerr.KindRateLimited, d.RetryAfter,
		relayerr.New(relayerr.KindRateLimited, "admission limit reached"))
}

type bucket struct {
	rule   Rule
	stamps []time.Time // ascending admission times
}

// Limiter is a sliding-window admission controller keyed by
// (action, identifier).
//
// Check purges, tests and records under one mutex hold, so two
// concurrent checks against the same key can never both observe spare
// capacity and both be admitted.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket

	// now is injectable for tests.
	now func() time.Time
}

func New(cfg Config) *Limiter {
	cfg.Default = cfg.Default.withDefaults()
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 5 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	if now != nil {
		l.now = now
	}
	l.mu.Unlock()
}

func (l *Limiter) rule(action string) Rule {
	if r, ok := l.cfg.Rules[action]; ok {
		return r.withDefaults()
	}
	return l.cfg.Default
}

func compositeKey(action, identifier string) string {
	return strings.TrimSpace(action) + "\x00" + strings.TrimSpace(identifier)
}

// Check runs one atomic check-and-record for the given key.
func (l *Limiter) Check(action, identifier string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rule := l.rule(action)
	key := compositeKey(action, identifier)

	b := l.buckets[key]
	if b == nil {
		b = &bucket{rule: rule}
		l.buckets[key] = b
	}
	b.rule = rule

	// Purge entries older than the trailing window.
	cutoff := now.Add(-rule.Window)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}

	if len(b.stamps) >= rule.Limit {
		oldest := b.stamps[0]
		wait := rule.Window - now.Sub(oldest)
		if wait < 0 {
			wait = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}
	}

	b.stamps = append(b.stamps, now)
	return Decision{Allowed: true, Remaining: rule.Limit - len(b.stamps)}
}

// Cleanup drops keys whose window has fully expired longer than the idle
// eviction threshold ago. Returns the number of keys removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if len(b.stamps) == 0 {
			delete(l.buckets, key)
			removed++
			continue
		}
		newest := b.stamps[len(b.stamps)-1]
		if now.Sub(newest) > b.rule.Window+l.cfg.IdleEviction {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Keys reports the number of tracked composite keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
