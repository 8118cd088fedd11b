package sarderr

import (
	"errors"
	"fmt"
)

// Error pairs a stable rejection code with a human-readable detail message.
// Verifiers and policy evaluators return (allowed, reason) pairs; Error is used
// where a rejection has to travel through an error return instead.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a rejection error with a formatted detail message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a rejection code to an underlying cause.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Detail: err.Error(), Err: err}
}

// CodeOf extracts the rejection code from an error chain.
// Unknown errors map to internal_error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternalError
}
