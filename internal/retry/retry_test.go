package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/relayerr"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestSucceedsOnLaterAttempt(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := Do(ctx, fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return relayerr.New(relayerr.KindServer, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestNonRetryableInvokedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := Do(ctx, fastPolicy(5), func(context.Context) error {
		calls++
		return relayerr.WithStatus(relayerr.KindClient, 400, errors.New("bad request"))
	})
	if relayerr.KindOf(err) != relayerr.KindClient {
		t.Fatalf("err kind = %v, want client", relayerr.KindOf(err))
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
}

func TestExhaustionReturnsLastError(t *testing.T) {
	ctx := context.Background()
	calls := 0
	last := relayerr.New(relayerr.KindConnectivity, "still down")
	err := Do(ctx, fastPolicy(2), func(context.Context) error {
		calls++
		if calls <= 2 {
			return relayerr.New(relayerr.KindServer, "early failure")
		}
		return last
	})
	if !errors.Is(err, last) {
		t.Fatalf("err = %v, want the final attempt's error", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 1 initial + 2 retries", calls)
	}
}

func TestDelayFormula(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxRetries: 10}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{9, time.Second},
	}
	for _, tc := range cases {
		if got := Delay(p, tc.attempt); got != tc.want {
			t.Fatalf("Delay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxRetries: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(context.Context) error {
		calls++
		return relayerr.New(relayerr.KindServer, "down")
	})
	if relayerr.KindOf(err) != relayerr.KindTimeout {
		t.Fatalf("err kind = %v, want timeout (cancellation)", relayerr.KindOf(err))
	}
	if calls == 0 || calls > 2 {
		t.Fatalf("calls = %d, want the backoff wait to be interrupted", calls)
	}
}

func TestDoWithTimeoutCancelsSlowCall(t *testing.T) {
	ctx := context.Background()
	sawCancel := make(chan struct{}, 1)

	err := DoWithTimeout(ctx, 20*time.Millisecond, func(c context.Context) error {
		select {
		case <-c.Done():
			sawCancel <- struct{}{}
			return c.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if relayerr.KindOf(err) != relayerr.KindTimeout {
		t.Fatalf("err kind = %v, want timeout", relayerr.KindOf(err))
	}
	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatalf("underlying call never observed cancellation")
	}
}

func TestDoWithTimeoutPassesThroughFastCall(t *testing.T) {
	ctx := context.Background()
	err := DoWithTimeout(ctx, time.Second, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("DoWithTimeout: %v", err)
	}

	wantErr := relayerr.New(relayerr.KindClient, "no")
	err = DoWithTimeout(ctx, time.Second, func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want the call's own error", err)
	}
}
