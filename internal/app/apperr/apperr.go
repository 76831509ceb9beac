// Package apperr defines the result-shaped error taxonomy used across the
// control plane. Components return errors tagged with a Kind instead
// of relying on exception-style control flow; the HTTP layer maps Kind to
// a status code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for uniform handling at component boundaries.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindUpstream           Kind = "upstream"
	KindAttestationFailing Kind = "attestation_failing"
	KindInternal           Kind = "internal"
)

// Error is a taxonomy-tagged error. Background components inspect Kind to
// decide whether to retry; the HTTP layer maps Kind to a status code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap tags an existing error with a kind, preserving it via Unwrap.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not a tagged *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the error's kind indicates transient failure
// that background components should retry rather than terminate on.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindResourceExhausted:
		return true
	default:
		return false
	}
}

func InvalidInput(code, message string) *Error { return New(KindInvalidInput, code, message) }
func NotFound(code, message string) *Error     { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error     { return New(KindConflict, code, message) }
func Unauthorized(code, message string) *Error { return New(KindUnauthorized, code, message) }
func Forbidden(code, message string) *Error    { return New(KindForbidden, code, message) }
func ResourceExhausted(code, message string) *Error {
	return New(KindResourceExhausted, code, message)
}
func Upstream(code, message string, err error) *Error {
	return Wrap(KindUpstream, code, message, err)
}
func Internal(code, message string, err error) *Error {
	return Wrap(KindInternal, code, message, err)
}
