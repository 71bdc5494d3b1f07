// Package notifier delivers send-pipeline outcomes to the UI layer.
//
// The gateway and the offline queue publish small, high-signal events
// ("queued", "sent", "failed", "rate-limited", "circuit-open") with a
// human-readable message. The UI registers a callback once at startup
// and renders them as toasts or log lines.
//
// # History
//
// For debugging and operator visibility, the service keeps a small
// in-memory history of recently emitted notifications; the status
// endpoint exposes it.
package notifier
