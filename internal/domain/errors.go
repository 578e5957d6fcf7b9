package domain

import (
	"errors"
	"fmt"
	"time"
)

// Code categorizes a refund error so callers can decide whether to retry,
// escalate, or fail permanently.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeConflict      Code = "CONFLICT"
	CodeCapacity      Code = "CAPACITY"
	CodeTransient     Code = "TRANSIENT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeInvalidSource Code = "INVALID_SOURCE"
	CodeUnauthorized  Code = "UNAUTHORIZED"
)

// Error is the typed error returned by the ledger and the treasury processor.
type Error struct {
	Code    Code
	Op      string
	Message string

	// RetryAfter is only set for CodeTransient.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed without operator action.
func (e *Error) Retryable() bool {
	return e.Code == CodeTransient || e.Code == CodeCapacity
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryAfterOf returns the suggested retry delay carried by a transient error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var de *Error
	if errors.As(err, &de) && de.Code == CodeTransient {
		return de.RetryAfter, true
	}
	return 0, false
}

func ValidationError(op, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func ConflictError(op, format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(op string, id int64) *Error {
	return &Error{Code: CodeNotFound, Op: op, Message: fmt.Sprintf("unknown request id %d", id)}
}

func UnauthorizedError(op, principal string) *Error {
	return &Error{Code: CodeUnauthorized, Op: op, Message: fmt.Sprintf("principal %q is not an administrator", principal)}
}

// CapacityError reports that the treasury cannot cover the required amount.
func CapacityError(op string, required, available int64) *Error {
	return &Error{
		Code:    CodeCapacity,
		Op:      op,
		Message: fmt.Sprintf("insufficient treasury balance: required %d, available %d", required, available),
	}
}

// TransientError reports a treasury lock; the caller should retry after the hint.
func TransientError(op string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeTransient,
		Op:         op,
		Message:    "treasury locked - retry later",
		RetryAfter: retryAfter,
	}
}

func InvalidSourceError(op string, kind SourceKind) *Error {
	return &Error{
		Code:    CodeInvalidSource,
		Op:      op,
		Message: fmt.Sprintf("non-treasury source %q submitted to treasury pipeline", kind),
	}
}
