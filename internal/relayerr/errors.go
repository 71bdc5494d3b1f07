package relayerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind tags an error with its failure class at the point of failure.
//
// Call sites branch on Kind (structured data), never on message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectivity
	KindRateLimited
	KindServer
	KindClient
	KindCircuitOpen
	KindTimeout
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindRateLimited:
		return "rate-limited"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindCircuitOpen:
		return "circuit-open"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus optional upstream detail.
type Error struct {
	Kind   Kind
	Status int // upstream HTTP status, 0 if not applicable

	// RetryAfter is a server- or limiter-provided wait hint (0 if none).
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a tagged error with a fixed message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// WithStatus tags err with kind and the upstream HTTP status.
func WithStatus(kind Kind, status int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Status: status, Err: err}
}

// WithRetryAfter tags err with kind and a wait hint.
func WithRetryAfter(kind Kind, wait time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, RetryAfter: wait, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Context cancellation/deadline errors classify as timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// StatusOf returns the upstream HTTP status carried by err (0 if none).
func StatusOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}

// RetryAfterOf returns the wait hint carried by err (0 if none).
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// Retryable reports whether err is worth retrying.
//
// Connectivity failures, 5xx, 429 and timeouts are retryable.
// Other 4xx, validation failures and circuit-open rejections are not:
// a circuit-open rejection fails fast; later calls may succeed once
// the cooldown elapses.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnectivity, KindRateLimited, KindServer, KindTimeout:
		return true
	default:
		return false
	}
}

// FromStatus classifies an upstream HTTP failure by status code.
func FromStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case status == http.StatusTooManyRequests:
		return WithStatus(KindRateLimited, status, err)
	case status >= 500:
		return WithStatus(KindServer, status, err)
	case status >= 400:
		return WithStatus(KindClient, status, err)
	default:
		return Wrap(KindUnknown, err)
	}
}
