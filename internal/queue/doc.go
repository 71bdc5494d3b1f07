// Package queue implements the durable offline queue for outbound chat
// messages.
//
// Messages enqueued while the upstream is unreachable survive process
// restarts (SQLite-backed) and are replayed in enqueue order once
// connectivity returns. A message that exhausts its replay budget is
// retained with status "failed" for inspection and export; it is never
// silently deleted.
package queue
