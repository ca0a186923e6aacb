package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure for retry and HTTP mapping decisions.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindProviderTransient Kind = "provider_transient"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindStorage           Kind = "storage"
	KindInternal          Kind = "internal"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RateLimited marks a provider transient error caused by a 429.
	RateLimited bool
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func Auth(format string, args ...interface{}) *Error {
	return New(KindAuth, format, args...)
}

func Transient(format string, args ...interface{}) *Error {
	return New(KindProviderTransient, format, args...)
}

// RateLimited is a retryable provider error raised by HTTP 429.
func RateLimited(format string, args ...interface{}) *Error {
	e := New(KindProviderTransient, format, args...)
	e.RateLimited = true
	return e
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

// Storage wraps a persistence failure.
func Storage(err error, format string, args ...interface{}) error {
	return Wrap(KindStorage, errors.WithStack(err), format, args...)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the scheduler should try again after backoff.
// Unclassified errors are retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProviderTransient, KindInternal, KindStorage:
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether err was caused by provider throttling.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.RateLimited
}

// Message returns the user-facing message of err without wrapped causes.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
