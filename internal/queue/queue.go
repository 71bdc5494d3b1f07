package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/notifier"
	"chatrelay/internal/retry"
	logx "chatrelay/pkg/logx"
)

// Sender replays one queued message upstream and returns the raw
// response payload. The gateway provides the real implementation;
// tests inject mocks.
type Sender interface {
	Send(ctx context.Context, m Message) ([]byte, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, m Message) ([]byte, error)

func (f SenderFunc) Send(ctx context.Context, m Message) ([]byte, error) { return f(ctx, m) }

// Queue guarantees a chat message composed while offline, or one whose
// retries were exhausted, is not lost and is replayed once
// connectivity returns.
//
// Drains are serialized through a single in-flight guard: re-entrant
// triggers (rapid connectivity flapping, overlapping timers) are
// dropped rather than interleaved, since interleaved drains could
// double-count retries or double-send a message.
type Queue struct {
	cfg    Config
	store  Store
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus
	notif  *notifier.Service

	draining atomic.Bool

	// tmu guards the delayed re-drain timer.
	tmu     sync.Mutex
	redrain *time.Timer
	stopped bool
}

// New creates the queue service. bus and notif may be nil. store must
// not be nil; callers handle the disabled-store case before
// constructing a Queue.
func New(cfg Config, store Store, sender Sender, log logx.Logger, bus eventbus.Bus, notif *notifier.Service) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:    cfg.withDefaults(),
		store:  store,
		sender: sender,
		log:    log,
		bus:    bus,
		notif:  notif,
	}
}

// Add persists a new pending message and returns its id immediately so
// the caller can show optimistic feedback.
func (q *Queue) Add(ctx context.Context, payload []byte) (int64, error) {
	m, err := q.store.Add(ctx, payload)
	if err != nil {
		return 0, err
	}
	q.log.Info("message queued", logx.Int64("id", m.ID), logx.Int("bytes", len(payload)))
	q.publish(eventbus.TypeQueueEnqueued, QueueEvent{MessageID: m.ID, Status: StatusPending})
	q.notify(notifier.KindQueued, m.ID, "message saved; it will be sent when connection returns")
	return m.ID, nil
}

// Messages returns all messages with the given status, oldest first.
func (q *Queue) Messages(ctx context.Context, status Status) ([]Message, error) {
	return q.store.ListByStatus(ctx, status)
}

// Response returns the stored reply for a sent message.
func (q *Queue) Response(ctx context.Context, id int64) (Response, bool, error) {
	return q.store.Response(ctx, id)
}

// Counts returns per-status message counts.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	return q.store.Counts(ctx)
}

// PruneSent removes sent messages last updated before cutoff.
// Failed messages are retained regardless of age.
func (q *Queue) PruneSent(ctx context.Context, cutoff time.Time) (int, error) {
	return q.store.PruneSentBefore(ctx, cutoff)
}

// ProcessPending drains pending messages in enqueue order.
//
// For each message: a message already at the attempt cap is marked
// failed and skipped; otherwise one replay is attempted. Success marks
// it sent and stores the response; failure bumps the retry count and,
// unless the cap is now reached, leaves it pending and schedules a
// delayed re-drain keyed to that message's retry count.
//
// Returns ErrDrainInFlight if another drain is running.
func (q *Queue) ProcessPending(ctx context.Context) (Report, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return Report{}, ErrDrainInFlight
	}
	defer q.draining.Store(false)

	pending, err := q.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return Report{}, err
	}
	if len(pending) == 0 {
		return Report{}, nil
	}

	q.log.Debug("drain started", logx.Int("pending", len(pending)))

	var (
		rep      Report
		minDelay time.Duration
	)
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Processed++

		if m.RetryCount >= q.cfg.MaxAttempts {
			if err := q.store.MarkFailed(ctx, m.ID, m.LastError); err != nil {
				q.log.Error("mark failed", logx.Int64("id", m.ID), logx.Err(err))
				continue
			}
			rep.Failed++
			q.failedFinal(m.ID, m.RetryCount, m.LastError)
			continue
		}

		delay, outcome := q.attempt(ctx, m, &rep)
		if outcome && (minDelay == 0 || delay < minDelay) {
			minDelay = delay
		}
	}

	q.publish(eventbus.TypeQueueDrained, QueueEvent{})
	q.log.Info("drain finished",
		logx.Int("processed", rep.Processed),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("deferred", rep.Deferred))

	if minDelay > 0 {
		q.scheduleRedrain(minDelay)
	}
	return rep, nil
}

// attempt replays one message. The bool result reports whether a
// delayed re-drain is wanted, with the returned backoff.
func (q *Queue) attempt(ctx context.Context, m Message, rep *Report) (time.Duration, bool) {
	sctx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	resp, err := q.sender.Send(sctx, m)
	cancel()

	if err == nil {
		if serr := q.store.MarkSent(ctx, m.ID, resp); serr != nil {
			q.log.Error("mark sent", logx.Int64("id", m.ID), logx.Err(serr))
			return 0, false
		}
		rep.Sent++
		q.publish(eventbus.TypeMessageSent, QueueEvent{MessageID: m.ID, Status: StatusSent})
		q.notify(notifier.KindSent, m.ID, "queued message delivered")
		return 0, false
	}

	count, berr := q.store.BumpRetry(ctx, m.ID, err.Error())
	if berr != nil {
		q.log.Error("bump retry", logx.Int64("id", m.ID), logx.Err(berr))
		return 0, false
	}

	if count >= q.cfg.MaxAttempts {
		if ferr := q.store.MarkFailed(ctx, m.ID, err.Error()); ferr != nil {
			q.log.Error("mark failed", logx.Int64("id", m.ID), logx.Err(ferr))
			return 0, false
		}
		rep.Failed++
		q.failedFinal(m.ID, count, err.Error())
		return 0, false
	}

	rep.Deferred++
	delay := retry.Delay(retry.Policy{
		InitialDelay: q.cfg.RetryBase,
		MaxDelay:     q.cfg.RetryMaxDelay,
		Multiplier:   2,
		MaxRetries:   q.cfg.MaxAttempts,
	}, count-1)
	q.log.Debug("replay deferred",
		logx.Int64("id", m.ID),
		logx.Int("retry_count", count),
		logx.Duration("delay", delay),
		logx.Err(err))
	return delay, true
}

func (q *Queue) failedFinal(id int64, count int, lastErr string) {
	q.publish(eventbus.TypeMessageFailed, QueueEvent{
		MessageID: id, Status: StatusFailed, RetryCount: count, Error: lastErr,
	})
	q.notify(notifier.KindFailed, id,
		fmt.Sprintf("message could not be delivered after %d attempts", count))
	q.log.Warn("message failed permanently",
		logx.Int64("id", id), logx.Int("retry_count", count), logx.String("last_error", lastErr))
}

// scheduleRedrain arms (or re-arms, keeping the earlier deadline is not
// attempted: the latest request wins) a delayed drain. The drain itself
// still goes through the in-flight guard.
func (q *Queue) scheduleRedrain(delay time.Duration) {
	q.tmu.Lock()
	defer q.tmu.Unlock()
	if q.stopped {
		return
	}
	if q.redrain != nil {
		q.redrain.Stop()
	}
	q.redrain = time.AfterFunc(delay, func() {
		if _, err := q.ProcessPending(context.Background()); err != nil && err != ErrDrainInFlight {
			q.log.Warn("scheduled drain failed", logx.Err(err))
		}
	})
}

// Stop cancels any scheduled re-drain. In-flight drains finish on
// their own context.
func (q *Queue) Stop() {
	q.tmu.Lock()
	q.stopped = true
	if q.redrain != nil {
		q.redrain.Stop()
		q.redrain = nil
	}
	q.tmu.Unlock()
}

func (q *Queue) publish(typ string, data QueueEvent) {
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (q *Queue) notify(kind notifier.Kind, id int64, msg string) {
	if q.notif != nil {
		q.notif.Publish(notifier.Event{Kind: kind, MessageID: id, Message: msg})
	}
}
