package limiter

import (
	"testing"
	"time"

	"chatrelay/internal/relayerr"
)

func newTestLimiter(limit int, window time.Duration) (*Limiter, *time.Time) {
	l := New(Config{Default: Rule{Limit: limit, Window: window}})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(20, time.Minute)

	for i := 0; i < 20; i++ {
		d := l.Check("chat", "ip1")
		if !d.Allowed {
			t.Fatalf("call %d unexpectedly rejected", i+1)
		}
		if d.Remaining != 20-(i+1) {
			t.Fatalf("call %d: remaining = %d, want %d", i+1, d.Remaining, 20-(i+1))
		}
	}

	d := l.Check("chat", "ip1")
	if d.Allowed {
		t.Fatalf("call 21 unexpectedly allowed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retryAfter = %v, want in (0, 60s]", d.RetryAfter)
	}
	if err := d.Err(); relayerr.KindOf(err) != relayerr.KindRateLimited {
		t.Fatalf("rejection kind = %v, want rate-limited", relayerr.KindOf(err))
	}
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)

	if d := l.Check("chat", "a"); !d.Allowed {
		t.Fatalf("first call rejected")
	}
	*now = now.Add(30 * time.Second)
	if d := l.Check("chat", "a"); !d.Allowed {
		t.Fatalf("second call rejected")
	}

	d := l.Check("chat", "a")
	if d.Allowed {
		t.Fatalf("third call within window allowed")
	}
	// Oldest stamp is 30s old; it leaves the window in another 30s.
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("retryAfter = %v, want 30s", d.RetryAfter)
	}

	// After the oldest stamp expires, capacity frees up again.
	*now = now.Add(31 * time.Second)
	if d := l.Check("chat", "a"); !d.Allowed {
		t.Fatalf("call after window slide rejected")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if d := l.Check("chat", "ip1"); !d.Allowed {
		t.Fatalf("ip1 rejected")
	}
	if d := l.Check("chat", "ip2"); !d.Allowed {
		t.Fatalf("ip2 rejected despite separate key")
	}
	if d := l.Check("upload", "ip1"); !d.Allowed {
		t.Fatalf("different action rejected despite separate key")
	}
	if d := l.Check("chat", "ip1"); d.Allowed {
		t.Fatalf("ip1 second call allowed past limit")
	}
}

func TestPerActionRules(t *testing.T) {
	l := New(Config{
		Default: Rule{Limit: 10, Window: time.Minute},
		Rules:   map[string]Rule{"upload": {Limit: 1, Window: time.Hour}},
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	if d := l.Check("upload", "u1"); !d.Allowed {
		t.Fatalf("first upload rejected")
	}
	if d := l.Check("upload", "u1"); d.Allowed {
		t.Fatalf("second upload allowed past per-action limit")
	}
	if d := l.Check("chat", "u1"); !d.Allowed {
		t.Fatalf("chat blocked by upload rule")
	}
}

func TestCleanupEvictsExpiredKeys(t *testing.T) {
	l := New(Config{
		Default:      Rule{Limit: 5, Window: time.Minute},
		IdleEviction: time.Minute,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	l.Check("chat", "a")
	l.Check("chat", "b")
	if got := l.Keys(); got != 2 {
		t.Fatalf("keys = %d, want 2", got)
	}

	// Still within window + idle eviction: nothing removed.
	now = now.Add(90 * time.Second)
	if removed := l.Cleanup(); removed != 0 {
		t.Fatalf("cleanup removed %d keys too early", removed)
	}

	now = now.Add(time.Minute)
	if removed := l.Cleanup(); removed != 2 {
		t.Fatalf("cleanup removed %d keys, want 2", removed)
	}
	if got := l.Keys(); got != 0 {
		t.Fatalf("keys after cleanup = %d, want 0", got)
	}
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	l := New(Config{Default: Rule{Limit: 50, Window: time.Minute}})

	const callers = 8
	const perCaller = 25
	allowed := make(chan int, callers)
	for i := 0; i < callers; i++ {
		go func() {
			n := 0
			for j := 0; j < perCaller; j++ {
				if l.Check("chat", "shared").Allowed {
					n++
				}
			}
			allowed <- n
		}()
	}

	total := 0
	for i := 0; i < callers; i++ {
		total += <-allowed
	}
	if total != 50 {
		t.Fatalf("admitted %d calls, want exactly 50", total)
	}
}
