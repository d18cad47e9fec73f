// Package errkind defines the error taxonomy shared across the engine.
// Every error that crosses a component boundary carries a Kind so callers
// and clients can branch on category instead of parsing messages.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes an error.
type Kind string

// The error taxonomy.
const (
	KindBadInput          Kind = "bad_input"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindTimeout           Kind = "timeout"
	KindLLM               Kind = "llm_error"
	KindStore             Kind = "store_error"
	KindCapacityExhausted Kind = "capacity_exhausted"
	KindInterrupted       Kind = "interrupted"
	KindInternal          Kind = "internal"
)

// Error is a categorized error.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a categorized error.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a categorized error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes an underlying error. A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail attaches client-visible detail to a categorized error. Other
// errors pass through unchanged.
func WithDetail(err error, detail string) error {
	var e *Error
	if errors.As(err, &e) {
		out := *e
		out.Detail = detail
		return &out
	}
	return err
}

// KindOf extracts the kind of an error. Context cancellation maps to
// interrupted and deadline expiry to timeout; anything uncategorized is
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether a kind is worth retrying as-is. Only transient
// store failures qualify; LLM retries happen inside the gateway.
func Retryable(kind Kind) bool {
	return kind == KindStore
}

// MessageOf returns the categorized message of an error, or its Error()
// text.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// DetailOf returns the attached detail, if any.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}
