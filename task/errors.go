package task

import "fmt"

// Code classifies the terminal RPC-level outcome of an operation that
// cannot be served at all. Task state transitions (PENDING, EXPIRED, ...)
// are values, never errors; only operations the core cannot service at
// all return a Code.
type Code int

const (
	// CodeInvalidArgument marks malformed IDs, bad dimensions, absent
	// required fields, or bad tag syntax.
	CodeInvalidArgument Code = iota + 1
	// CodeForbidden marks an ACL denial, surfaced verbatim to the caller.
	CodeForbidden
	// CodeNotFound marks an unknown task_id or bot_id.
	CodeNotFound
	// CodeConflict marks an optimistic concurrency loss. Callers within
	// the core recover from this; it is only ever returned across a
	// package boundary once retries are exhausted.
	CodeConflict
	// CodeFailedPrecondition marks a missing backend, missing index, or
	// unsupported filter combination.
	CodeFailedPrecondition
	// CodeInternal marks a storage backend fault.
	CodeInternal
	// CodeResourceExhausted marks a pagination limit or quota breach.
	CodeResourceExhausted
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeForbidden:
		return "Forbidden"
	case CodeNotFound:
		return "NotFound"
	case CodeConflict:
		return "Conflict"
	case CodeFailedPrecondition:
		return "FailedPrecondition"
	case CodeInternal:
		return "Internal"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by core-facing operations. It wraps an
// optional underlying error without exposing storage-layer sentinels to
// callers outside the core.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error, optionally wrapping a cause.
func NewError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code carried by err, or CodeInternal if err is not
// (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code
	}
	return CodeInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
