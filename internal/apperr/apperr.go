// Package apperr defines the error taxonomy shared by the bridge pipeline.
// Every failure surfaced by the remote client, the store, the platforms or
// the delivery pipeline is classified into a Kind so callers can decide
// between retrying, failing the unit, or pausing a poll loop.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	KindConfig            Kind = "config"             // static validation failure
	KindNetwork           Kind = "network"            // transport-level failure
	KindTimeout           Kind = "timeout"            // deadline exceeded
	KindAuth              Kind = "auth"               // remote or platform 401/403
	KindProtocol          Kind = "protocol"           // non-zero remote code, malformed payload
	KindPlatformTransient Kind = "platform_transient" // platform failure worth retrying
	KindPlatformPermanent Kind = "platform_permanent" // platform failure, do not retry
	KindStore             Kind = "store"              // database failure
	KindOverload          Kind = "overload"           // serializer queue full
	KindInternal          Kind = "internal"           // logic bug
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient. Network failures,
// timeouts, transient platform failures and overloads are retried; the rest
// are terminal for the unit that hit them.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindPlatformTransient, KindOverload:
		return true
	default:
		return false
	}
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err should be retried. Unclassified errors are
// not retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Is enables errors.Is matching on the Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}
