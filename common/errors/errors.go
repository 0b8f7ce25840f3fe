// Package errors defines the typed error taxonomy shared by the trading
// pipeline. Every failure surfaced by a market operation carries one of the
// codes below so API and logging layers can classify it without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	CodeInvalidOrderParameters       Code = "INVALID_ORDER_PARAMETERS"
	CodePostOnlyWouldCross           Code = "POST_ONLY_WOULD_CROSS"
	CodeFillOrKillUnsatisfied        Code = "FILL_OR_KILL_UNSATISFIED"
	CodeNotFound                     Code = "NOT_FOUND"
	CodeOutOfBounds                  Code = "OUT_OF_BOUNDS"
	CodeInsufficientExternalBalance  Code = "INSUFFICIENT_EXTERNAL_BALANCE"
	CodeStaleOrInvalidProof          Code = "STALE_OR_INVALID_PROOF"
	CodeInternal                     Code = "INTERNAL"
)

// Error is the concrete error type used across the engine. It wraps an
// optional cause and is comparable by code via errors.Is.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinel comparisons like
// errors.Is(err, errors.NotFound("")) work regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidOrderParameters reports a tick/lot/min-size/expiry or enum violation.
func InvalidOrderParameters(format string, args ...any) *Error {
	return newError(CodeInvalidOrderParameters, format, args...)
}

// PostOnlyWouldCross reports a post-only request that would have matched.
func PostOnlyWouldCross(format string, args ...any) *Error {
	return newError(CodePostOnlyWouldCross, format, args...)
}

// FillOrKillUnsatisfied reports a FOK request that could not be fully filled.
func FillOrKillUnsatisfied(format string, args ...any) *Error {
	return newError(CodeFillOrKillUnsatisfied, format, args...)
}

// NotFound reports a missing order, proposal, or account.
func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

// OutOfBounds reports a governance parameter outside its pool-class bounds.
func OutOfBounds(format string, args ...any) *Error {
	return newError(CodeOutOfBounds, format, args...)
}

// InsufficientExternalBalance reports that custody cannot cover an owed excess.
func InsufficientExternalBalance(format string, args ...any) *Error {
	return newError(CodeInsufficientExternalBalance, format, args...)
}

// StaleOrInvalidProof reports a failed custody authorization check.
func StaleOrInvalidProof(format string, args ...any) *Error {
	return newError(CodeStaleOrInvalidProof, format, args...)
}

// Internal reports an invariant violation inside the engine.
func Internal(format string, args ...any) *Error {
	return newError(CodeInternal, format, args...)
}

// Wrap attaches a cause to a typed error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	e := newError(code, format, args...)
	e.Err = err
	return e
}

// CodeOf extracts the Code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
