// Package autherr defines the closed set of failures the authentication core
// can report. Every service returns *Error values (or wraps one), and the HTTP
// boundary switches over Kind to pick a status code.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindAuthentication
	KindTokenInvalid
	KindTokenExpired
	KindTokenRevoked
	KindRateLimited
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthentication:
		return "authentication"
	case KindTokenInvalid:
		return "token_invalid"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenRevoked:
		return "token_revoked"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every component of the core.
type Error struct {
	Kind    Kind
	Message string
	// Fields carries per-field validation messages.
	Fields map[string]string
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindUnavailable {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so the sentinels
// below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the boundary may retry the operation as-is.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnavailable
}

// Sentinels for errors.Is. Never return these directly; use the constructors.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrTokenInvalid   = &Error{Kind: KindTokenInvalid}
	ErrTokenExpired   = &Error{Kind: KindTokenExpired}
	ErrTokenRevoked   = &Error{Kind: KindTokenRevoked}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrUnavailable    = &Error{Kind: KindUnavailable}
)

func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Authentication always carries the same message so callers cannot tell a
// missing account from a wrong password.
func Authentication() *Error {
	return &Error{Kind: KindAuthentication, Message: "invalid email or password"}
}

func TokenInvalid(message string) *Error {
	return &Error{Kind: KindTokenInvalid, Message: message}
}

func TokenExpired(message string) *Error {
	return &Error{Kind: KindTokenExpired, Message: message}
}

func TokenRevoked(message string) *Error {
	return &Error{Kind: KindTokenRevoked, Message: message}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "too many requests", RetryAfter: retryAfter}
}

// Unavailable wraps a cache or store failure.
func Unavailable(message string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: message, Err: err}
}

// KindOf returns the kind of err, or 0 when err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
