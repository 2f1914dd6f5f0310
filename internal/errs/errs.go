// Package errs defines the error taxonomy shared by the session service,
// pool, runner router, and HTTP layer. Every failure that can reach a caller
// is wrapped in an *Error carrying a Kind; the HTTP layer maps kinds to
// status codes in one place.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindBadRequest       Kind = "bad_request"
	KindUnauthorized     Kind = "unauthorized"
	KindInvalidState     Kind = "invalid_state"
	KindGone             Kind = "gone"
	KindBusy             Kind = "busy"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindNoRunner         Kind = "no_runner"
	KindBridgeUnready    Kind = "bridge_unready"
	KindBridgeLost       Kind = "bridge_lost"
	KindResourceCap      Kind = "resource_cap"
	KindUpstream         Kind = "upstream_error"
	KindPersistence      Kind = "persistence_error"
	KindInternal         Kind = "internal"
)

// Error is a classified error. Message is safe to return to callers; Err
// holds the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the HTTP status returned to callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest, KindInvalidState:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindGone:
		return http.StatusGone
	case KindBusy:
		return http.StatusConflict
	case KindCapacityExceeded, KindNoRunner:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-safe message for err. Unclassified errors
// collapse to a generic message so internals don't leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
