package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/breaker"
	"chatrelay/internal/limiter"
	"chatrelay/internal/notifier"
	"chatrelay/internal/queue"
	"chatrelay/internal/relayerr"
	"chatrelay/internal/retry"
	logx "chatrelay/pkg/logx"
)

const timeRounding = time.Second

// ConnectivitySource reports whether the platform currently has
// network connectivity.
type ConnectivitySource interface {
	Online() bool
}

// Gateway composes the admission limiter, circuit breaker, retry
// executor and offline queue around the single "send chat message"
// operation and normalizes outcomes for the UI layer.
type Gateway struct {
	cfg      Config
	limiter  *limiter.Limiter
	breaker  *breaker.Breaker
	conn     ConnectivitySource
	queue    *queue.Queue // nil disables offline deferral
	notif    *notifier.Service
	upstream Upstream
	log      logx.Logger
}

func New(cfg Config, lim *limiter.Limiter, brk *breaker.Breaker, conn ConnectivitySource,
	q *queue.Queue, notif *notifier.Service, upstream Upstream, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:      cfg.withDefaults(),
		limiter:  lim,
		breaker:  brk,
		conn:     conn,
		queue:    q,
		notif:    notif,
		upstream: upstream,
		log:      log,
	}
}

// Send relays one chat message upstream.
//
// The limiter is consulted first; a rejection returns the deterministic
// wait time without touching the network. Otherwise the call runs as
// breaker(retry(timeout(rawCall))). On failure with no connectivity —
// including an immediate circuit-open rejection — the payload is handed
// to the offline queue and a "queued" pseudo-success is returned
// instead of a hard failure.
func (g *Gateway) Send(ctx context.Context, identifier string, req ChatRequest) (Result, error) {
	if d := g.limiter.Check(g.cfg.Action, identifier); !d.Allowed {
		g.log.Debug("send admission-limited",
			logx.String("identifier", identifier), logx.Duration("retry_after", d.RetryAfter))
		g.notify(notifier.KindRateLimited, 0,
			fmt.Sprintf("too many requests; try again in %s", d.RetryAfter.Round(timeRounding)))
		return Result{RetryAfter: d.RetryAfter}, d.Err()
	}

	var reply ChatReply
	err := g.breaker.Execute(ctx, func(bctx context.Context) error {
		return retry.Do(bctx, g.cfg.Retry, func(rctx context.Context) error {
			return retry.DoWithTimeout(rctx, g.cfg.RequestTimeout, func(cctx context.Context) error {
				var cerr error
				reply, cerr = g.upstream.Complete(cctx, req)
				return cerr
			})
		})
	})
	if err == nil {
		g.notify(notifier.KindSent, 0, "message delivered")
		return Result{Reply: &reply}, nil
	}

	kind := relayerr.KindOf(err)
	g.log.Warn("send failed", logx.String("kind", kind.String()), logx.Err(err))

	// Offline, or the retries burned through a connectivity failure:
	// defer the payload instead of failing the user action.
	if g.queue != nil && (!g.online() || kind == relayerr.KindConnectivity) {
		id, qerr := g.enqueue(ctx, req)
		if qerr == nil {
			return Result{QueuedID: id}, nil
		}
		g.log.Error("offline enqueue failed", logx.Err(qerr))
		// Fall through and surface the original failure.
	}

	switch kind {
	case relayerr.KindCircuitOpen:
		g.notify(notifier.KindCircuitOpen, 0, "service temporarily unavailable; cooling down")
	default:
		g.notify(notifier.KindFailed, 0, "message could not be delivered")
	}
	return Result{RetryAfter: relayerr.RetryAfterOf(err)}, err
}

func (g *Gateway) enqueue(ctx context.Context, req ChatRequest) (int64, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.KindValidation, err)
	}
	return g.queue.Add(ctx, payload)
}

func (g *Gateway) online() bool {
	if g.conn == nil {
		return true
	}
	return g.conn.Online()
}

func (g *Gateway) notify(kind notifier.Kind, id int64, msg string) {
	if g.notif != nil {
		g.notif.Publish(notifier.Event{Kind: kind, MessageID: id, Message: msg})
	}
}

func decodeRequest(data []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ChatRequest{}, err
	}
	return req, nil
}

func encodeReply(r ChatReply) ([]byte, error) {
	return json.Marshal(r)
}
