package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"chatrelay/internal/relayerr"
)

// Policy bounds one logical call: the initial attempt plus up to
// MaxRetries retries with exponential backoff.
type Policy struct {
	MaxRetries   int           // retries after the first attempt; default 3
	InitialDelay time.Duration // default 500ms
	MaxDelay     time.Duration // default 15s
	Multiplier   float64       // default 2.0
	Jitter       float64       // fraction of the delay, e.g. 0.2; default 0

	// Retryable classifies errors. Defaults to relayerr.Retryable.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Retryable == nil {
		p.Retryable = relayerr.Retryable
	}
	return p
}

// Delay returns the backoff before retry number attempt (0-based):
// min(initial * multiplier^attempt, max), without jitter.
func Delay(p Policy, attempt int) time.Duration {
	p = p.withDefaults()
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	// Spread in [d*(1-frac), d*(1+frac)] to avoid thundering herds.
	f := 1 + (rand.Float64()*2-1)*frac
	return time.Duration(float64(d) * f)
}

// Do runs fn with bounded retries per the policy.
//
// A non-retryable error returns after exactly one attempt. Once the
// budget is exhausted the last concrete error is returned, not a
// synthetic "retries exhausted" wrapper.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return relayerr.Wrap(relayerr.KindTimeout, cerr)
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !p.Retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}

		delay := jittered(Delay(p, attempt), p.Jitter)
		// An upstream 429 may carry its own wait hint; honor the longer one.
		if hint := relayerr.RetryAfterOf(err); hint > delay {
			delay = hint
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return relayerr.Wrap(relayerr.KindTimeout, ctx.Err())
		case <-tmr.C:
		}
	}
}

// DoWithTimeout races fn against a timer.
//
// The call receives a context that is cancelled when the timer elapses,
// so a well-behaved fn is always cancelled on timeout rather than left
// running. The race still resolves immediately even if fn ignores its
// context.
func DoWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(tctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return relayerr.Wrap(relayerr.KindTimeout, err)
		}
		return err
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return relayerr.New(relayerr.KindTimeout, "request timed out")
		}
		return relayerr.Wrap(relayerr.KindTimeout, tctx.Err())
	}
}
