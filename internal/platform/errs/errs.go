// Package errs defines the uniform error-kind taxonomy shared by the node
// agent and the panel (spec §7) and the HTTP status each kind maps to.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed sum type over the error kinds in the error-handling
// design — a string-keyed state machine re-expressed as a Go enum, per
// the Design Notes' instruction to avoid string-keyed state in the source.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTimeout
	KindConnectionRefused
	KindAuth
	KindHostCommand
	KindDeadlockDetected
	KindBackpressure
	KindPartialFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindConnectionRefused:
		return "connection_refused"
	case KindAuth:
		return "auth"
	case KindHostCommand:
		return "host_command"
	case KindDeadlockDetected:
		return "deadlock_detected"
	case KindBackpressure:
		return "backpressure"
	case KindPartialFailure:
		return "partial_failure"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and an operator-facing
// message. The message is safe to return to callers; Unwrap() exposes the
// full internal error for logging, never for the HTTP response body —
// this is the "never leak host paths or API keys" boundary from §7.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a new kinded error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// As is a small helper around errors.As for the common case of pulling a
// *Error out of an arbitrary error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code the node/panel HTTP layer
// should respond with. KindAuth is handled specially by callers (a bare
// 444 close, not a normal response) — see internal/node/security.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusBadRequest
	case KindConnectionRefused:
		return http.StatusBadGateway
	case KindAuth:
		return 444
	case KindDeadlockDetected, KindTimeout:
		return http.StatusInternalServerError
	case KindPartialFailure:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the operator-facing message of a kinded error, or
// "internal error" for any other error; err.Err's text is never included.
func Message(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	return "internal error"
}
