// Package errs carries typed error kinds through the call chain so that
// outer layers (API handlers, the CLI) can map failures onto stable codes
// without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that must react differently to
// user mistakes, unreachable targets, exhausted quotas, and so on.
type Kind int

const (
	Internal Kind = iota
	InvalidInput
	Unreachable
	RenderFailure
	QuotaExceeded
	Busy
	NotFound
	PermissionDenied
	Unauthorized
	Dependency
	Cancelled
)

// Code returns the stable wire identifier for the kind. These strings are
// part of the API contract and must not change.
func (k Kind) Code() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case Unreachable:
		return "target_unreachable"
	case RenderFailure:
		return "render_failure"
	case QuotaExceeded:
		return "quota_exceeded"
	case Busy:
		return "busy"
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case Unauthorized:
		return "unauthorized"
	case Dependency:
		return "dependency_failure"
	case Cancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error is the concrete error type. Op names the failing operation
// ("fetch.Static", "quota.Reserve"); Err is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Code())
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. A nil err yields an error
// whose message is just the kind code.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with printf formatting for the cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the error chain and returns the outermost typed kind.
// Untyped errors report Internal; context cancellation reports Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// CodeOf is shorthand for KindOf(err).Code().
func CodeOf(err error) string {
	return KindOf(err).Code()
}
