package ledger

import (
	"errors"
	"fmt"
)

// Kind is the closed set of domain failures a caller can act on.
type Kind string

const (
	KindNotFound  Kind = "NOT_FOUND"
	KindForbidden Kind = "FORBIDDEN"
	KindConflict  Kind = "CONFLICT"
)

// Error is a recoverable domain failure. Anything else returned by the
// service is an internal fault.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// ErrorCode satisfies the coded error interface used by the daemon.
func (e *Error) ErrorCode() string {
	return string(e.Kind)
}

func (e *Error) FormatStderr() string {
	return fmt.Sprintf("error: %s: %s\n", e.Kind, e.Msg)
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the domain kind of err, if it is a domain error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

func IsForbidden(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindForbidden
}

func IsConflict(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindConflict
}
