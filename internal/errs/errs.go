// Package errs defines the failure taxonomy shared by the pricing, settlement
// and collateral packages. Every rejected operation carries exactly one Kind
// and a stable Code so transport layers can map it without parsing text.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	// Internal covers infrastructure failures outside the core (store, cache).
	Internal Kind = iota
	NotFound
	InvalidInput
	InvalidState
	InsufficientFunds
	// IntegrityViolation means an invariant was broken upstream. It is fatal:
	// never retried, never swallowed.
	IntegrityViolation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidInput:
		return "invalid_input"
	case InvalidState:
		return "invalid_state"
	case InsufficientFunds:
		return "insufficient_funds"
	case IntegrityViolation:
		return "integrity_violation"
	default:
		return "internal"
	}
}

// Error is a classified failure. Package-level *Error values are sentinels and
// are matched with errors.Is; With derives a new error that still matches.
type Error struct {
	Kind Kind
	Code string
	Msg  string

	base *Error
}

// New creates a sentinel error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string { return e.Msg }

// Is matches the sentinel an error was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e == t || (e.base != nil && e.base == t)
}

// With returns a copy of the sentinel with extra detail appended to the message.
func (e *Error) With(detail string) *Error {
	base := e
	if e.base != nil {
		base = e.base
	}
	return &Error{Kind: e.Kind, Code: e.Code, Msg: e.Msg + ": " + detail, base: base}
}

// KindOf returns the Kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf returns the stable code of err, or "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps a Kind to the status a REST layer should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case InvalidInput:
		return http.StatusBadRequest
	case InvalidState:
		return http.StatusConflict
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
