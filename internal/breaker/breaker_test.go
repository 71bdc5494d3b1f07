package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/relayerr"
)

var errUpstream = errors.New("upstream down")

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(Config{FailureThreshold: threshold, Cooldown: cooldown}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func failingCall(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errUpstream
	}
}

func TestTripsAfterThresholdAndFailsFast(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		if err := b.Execute(ctx, failingCall(&calls)); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v, want upstream error", i+1, err)
		}
	}
	if st := b.Snapshot(); st.State != StateOpen {
		t.Fatalf("state after %d failures = %v, want open", 5, st.State)
	}

	// 6th call within cooldown: rejected without touching the wrapped call.
	err := b.Execute(ctx, failingCall(&calls))
	if relayerr.KindOf(err) != relayerr.KindCircuitOpen {
		t.Fatalf("err kind = %v, want circuit-open", relayerr.KindOf(err))
	}
	if calls != 5 {
		t.Fatalf("wrapped call count = %d, want 5", calls)
	}
	if wait := relayerr.RetryAfterOf(err); wait <= 0 || wait > 30*time.Second {
		t.Fatalf("retryAfter = %v, want in (0, 30s]", wait)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	calls := 0
	_ = b.Execute(ctx, failingCall(&calls))
	_ = b.Execute(ctx, failingCall(&calls))
	if err := b.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	if st := b.Snapshot(); st.Failures != 0 || st.State != StateClosed {
		t.Fatalf("snapshot = %+v, want closed with 0 failures", st)
	}

	// Counter restarted, so two more failures still don't trip it.
	_ = b.Execute(ctx, failingCall(&calls))
	_ = b.Execute(ctx, failingCall(&calls))
	if st := b.Snapshot(); st.State != StateClosed {
		t.Fatalf("state = %v, want closed", st.State)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)
	ctx := context.Background()

	calls := 0
	_ = b.Execute(ctx, failingCall(&calls))
	_ = b.Execute(ctx, failingCall(&calls))
	if st := b.Snapshot(); st.State != StateOpen {
		t.Fatalf("state = %v, want open", st.State)
	}

	*now = now.Add(31 * time.Second)
	if err := b.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	st := b.Snapshot()
	if st.State != StateClosed || st.Failures != 0 {
		t.Fatalf("snapshot after probe = %+v, want closed with 0 failures", st)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)
	ctx := context.Background()

	calls := 0
	_ = b.Execute(ctx, failingCall(&calls))
	_ = b.Execute(ctx, failingCall(&calls))

	*now = now.Add(31 * time.Second)
	if err := b.Execute(ctx, failingCall(&calls)); !errors.Is(err, errUpstream) {
		t.Fatalf("probe err = %v, want upstream error", err)
	}
	if st := b.Snapshot(); st.State != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", st.State)
	}

	// Cooldown restarted: still rejected 29s later, admitted after 31s.
	*now = now.Add(29 * time.Second)
	if err := b.Execute(ctx, failingCall(&calls)); relayerr.KindOf(err) != relayerr.KindCircuitOpen {
		t.Fatalf("err kind = %v, want circuit-open", relayerr.KindOf(err))
	}
	before := calls
	*now = now.Add(2 * time.Second)
	_ = b.Execute(ctx, failingCall(&calls))
	if calls != before+1 {
		t.Fatalf("probe after restarted cooldown not admitted")
	}
}

func TestSingleProbeDuringHalfOpen(t *testing.T) {
	b, now := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()

	calls := 0
	_ = b.Execute(ctx, failingCall(&calls))
	*now = now.Add(11 * time.Second)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()
	<-probeStarted

	// Concurrent callers while the probe is in flight: all rejected,
	// wrapped call never invoked.
	var wg sync.WaitGroup
	rejected := 0
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(context.Context) error {
				t.Error("second caller invoked during half-open probe")
				return nil
			})
			if relayerr.KindOf(err) == relayerr.KindCircuitOpen {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if rejected != 4 {
		t.Fatalf("rejected = %d, want 4", rejected)
	}

	close(probeRelease)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if st := b.Snapshot(); st.State != StateClosed {
		t.Fatalf("state = %v, want closed", st.State)
	}
}
