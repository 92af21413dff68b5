package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/omnicom/internal/credentials"
)

// ErrorKind classifies adapter failures
type ErrorKind string

const (
	AuthExpired ErrorKind = "auth_expired"
	RateLimited ErrorKind = "rate_limited"
	Transient   ErrorKind = "transient"
	Fatal       ErrorKind = "fatal"
	Rejected    ErrorKind = "rejected"
)

// Error is the typed failure returned by adapters
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err,
// &Error{Kind: Fatal}) works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Reason == "" && t.Err == nil
}

// NewAuthExpired wraps err as an AuthExpired failure
func NewAuthExpired(err error) *Error {
	return &Error{Kind: AuthExpired, Err: err}
}

// NewRateLimited reports a provider throttle with an optional retry hint
func NewRateLimited(retryAfter time.Duration, err error) *Error {
	return &Error{Kind: RateLimited, RetryAfter: retryAfter, Err: err}
}

// NewTransient wraps err as a retryable failure
func NewTransient(err error) *Error {
	return &Error{Kind: Transient, Err: err}
}

// NewFatal reports a malformed or unsupported response
func NewFatal(reason string, err error) *Error {
	return &Error{Kind: Fatal, Reason: reason, Err: err}
}

// NewRejected reports content the provider refused to accept
func NewRejected(reason string) *Error {
	return &Error{Kind: Rejected, Reason: reason}
}

// KindOf classifies any error returned by an adapter. Untyped errors are
// treated as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, credentials.ErrExpired) || errors.Is(err, credentials.ErrUnknownHandle) {
		return AuthExpired
	}
	return Transient
}

// RetryAfter returns the provider's retry hint, if any
func RetryAfter(err error) time.Duration {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

// Canceled reports whether err came from the caller's own cancellation
// rather than a provider failure. A deadline is a provider failure.
func Canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled)
}

// Describe returns a short human-readable reason for a failure
func Describe(err error) string {
	var perr *Error
	if errors.As(err, &perr) && perr.Reason != "" {
		return perr.Reason
	}
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
