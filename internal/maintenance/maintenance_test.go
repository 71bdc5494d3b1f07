package maintenance

import (
	"testing"
	"time"

	"chatrelay/internal/limiter"
	logx "chatrelay/pkg/logx"
)

func TestStartRejectsBadSchedule(t *testing.T) {
	lim := limiter.New(limiter.Config{})
	s := New(Config{Enabled: true, LimiterSweep: "not a cron expr"}, lim, nil, logx.Nop())
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("Start accepted an invalid schedule")
	}
}

func TestStartStopDisabled(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop() // no cron was started; must be a no-op
}

func TestSweepLimiterEvictsIdleKeys(t *testing.T) {
	lim := limiter.New(limiter.Config{
		Default:      limiter.Rule{Limit: 5, Window: time.Millisecond},
		IdleEviction: time.Millisecond,
	})
	now := time.Now()
	lim.SetClock(func() time.Time { return now })
	if d := lim.Check("chat", "u1"); !d.Allowed {
		t.Fatal("check rejected")
	}
	now = now.Add(time.Minute)

	s := New(Config{Enabled: true}, lim, nil, logx.Nop())
	s.sweepLimiter()
	if n := lim.Keys(); n != 0 {
		t.Fatalf("keys = %d, want idle key evicted", n)
	}
}
