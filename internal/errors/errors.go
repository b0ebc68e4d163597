// Package errors provides coded application errors shared across the
// purchase-order engine. Codes distinguish expected business outcomes
// (insufficient budget, already-terminal reservations) from caller mistakes
// and genuine failures, so handlers and callers can branch without string
// matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeInvalidInput       Code = "INVALID_INPUT"
	ErrCodeConflict           Code = "CONFLICT"
	ErrCodeBlocked            Code = "BLOCKED"
	ErrCodeInsufficientBudget Code = "INSUFFICIENT_BUDGET"
	ErrCodeAlreadyTerminal    Code = "ALREADY_TERMINAL"
	ErrCodeInvalidTransition  Code = "INVALID_TRANSITION"
	ErrCodeInternal           Code = "INTERNAL"
)

// Error is a coded application error, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// NotFound reports that a named resource does not exist.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// InvalidInput reports a bad request field.
func InvalidInput(field, reason string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, reason)}
}

// CodeOf extracts the application code from err, or ErrCodeInternal when err
// carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var appErr *Error
	return stderrors.As(err, &appErr) && appErr.Code == code
}
