package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/gateway"
	"chatrelay/internal/queue"
	"chatrelay/internal/relayerr"
	logx "chatrelay/pkg/logx"
)

type errorBody struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, retryAfter time.Duration) {
	kind := relayerr.KindOf(err)
	if retryAfter <= 0 {
		retryAfter = relayerr.RetryAfterOf(err)
	}

	status := http.StatusInternalServerError
	switch kind {
	case relayerr.KindRateLimited:
		status = http.StatusTooManyRequests
	case relayerr.KindCircuitOpen, relayerr.KindConnectivity:
		status = http.StatusServiceUnavailable
	case relayerr.KindTimeout:
		status = http.StatusGatewayTimeout
	case relayerr.KindClient:
		status = http.StatusBadRequest
	case relayerr.KindValidation:
		status = http.StatusUnprocessableEntity
	case relayerr.KindServer:
		status = http.StatusBadGateway
	}

	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++ // round up so clients never retry early
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	body := errorBody{Error: err.Error(), Kind: kind.String()}
	if retryAfter > 0 {
		body.RetryAfterMS = retryAfter.Milliseconds()
	}
	writeJSON(w, status, body)
}

// clientIP keys the admission limiter. RealIP middleware has already
// rewritten RemoteAddr from X-Forwarded-For where present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindValidation, err), 0)
		return
	}
	if len(req.History) == 0 {
		writeError(w, relayerr.New(relayerr.KindValidation, "history must not be empty"), 0)
		return
	}

	res, err := s.gw.Send(r.Context(), clientIP(r), req)
	if err != nil {
		writeError(w, err, res.RetryAfter)
		return
	}
	if res.QueuedID != 0 {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":    "queued",
			"queued_id": res.QueuedID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": res.Reply})
}

// handleConnectivity forces the online state. The UI uses this to pin
// the client offline (e.g. metered connections); tests use it to avoid
// real probes.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	setter, ok := s.conn.(interface{ SetOnline(bool) })
	if !ok {
		writeError(w, relayerr.New(relayerr.KindValidation, "connectivity override not supported"), 0)
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Online == nil {
		writeError(w, relayerr.New(relayerr.KindValidation, `body must be {"online": true|false}`), 0)
		return
	}
	setter.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": *req.Online})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, relayerr.Wrap(relayerr.KindValidation, queue.ErrDisabled), 0)
		return
	}
	status := queue.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = queue.StatusPending
	}
	if !status.Valid() {
		writeError(w, relayerr.Newf(relayerr.KindValidation, "unknown status %q", status), 0)
		return
	}

	msgs, err := s.queue.Messages(r.Context(), status)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMessageResponse(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, relayerr.Wrap(relayerr.KindValidation, queue.ErrDisabled), 0)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindValidation, err), 0)
		return
	}
	resp, ok, err := s.queue.Response(r.Context(), id)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no stored response", Kind: "unknown"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, relayerr.Wrap(relayerr.KindValidation, queue.ErrDisabled), 0)
		return
	}
	rep, err := s.queue.ProcessPending(r.Context())
	if errors.Is(err, queue.ErrDrainInFlight) {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Kind: "unknown"})
		return
	}
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed": rep.Processed,
		"sent":      rep.Sent,
		"failed":    rep.Failed,
		"deferred":  rep.Deferred,
	})
}

// handleExport returns failed messages (with any stored responses for
// context) so a user can recover text that never made it upstream.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, relayerr.Wrap(relayerr.KindValidation, queue.ErrDisabled), 0)
		return
	}
	status := queue.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = queue.StatusFailed
	}
	if !status.Valid() {
		writeError(w, relayerr.Newf(relayerr.KindValidation, "unknown status %q", status), 0)
		return
	}
	msgs, err := s.queue.Messages(r.Context(), status)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exported_at": time.Now().UTC(),
		"status":      status,
		"count":       len(msgs),
		"messages":    msgs,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}

	if s.conn != nil {
		out["online"] = s.conn.Online()
	}
	if s.breaker != nil {
		out["breaker"] = s.breaker.Snapshot()
	}
	if s.limiter != nil {
		out["limiter"] = map[string]any{"tracked_keys": s.limiter.Keys()}
	}
	if s.queue != nil {
		counts, err := s.queue.Counts(r.Context())
		if err != nil {
			s.log.Warn("queue counts failed", logx.Any("err", err))
		} else {
			out["queue"] = counts
		}
	}
	if s.notif != nil {
		out["notifications"] = s.notif.History(20)
	}
	writeJSON(w, http.StatusOK, out)
}
