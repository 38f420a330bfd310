package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures for retry and cooldown decisions.
type ErrorType string

const (
	ErrorTypeAuth          ErrorType = "auth"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypePermanent     ErrorType = "permanent"
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
	ErrorTypeConfig        ErrorType = "config"
	ErrorTypeStorage       ErrorType = "storage"
)

// ErrAccountPoolExhausted is returned by checkout when no eligible account
// exists at that instant. Callers back off and retry.
var ErrAccountPoolExhausted = errors.New("account pool exhausted")

// Error carries the failure class alongside the HTTP status that produced it,
// so the cooldown policy can act on both.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error.
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// NewWithCode creates a typed error carrying an HTTP status code.
func NewWithCode(t ErrorType, code int, message string) *Error {
	return &Error{Type: t, Message: message, Code: code}
}

// Wrap creates a typed error wrapping a cause.
func Wrap(t ErrorType, err error, message string) *Error {
	return &Error{Type: t, Message: message, Err: err}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// TypeOf extracts the ErrorType from err, or ErrorTypePermanent when err
// carries no classification.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	if errors.Is(err, ErrAccountPoolExhausted) {
		return ErrorTypePoolExhausted
	}
	return ErrorTypePermanent
}

// CodeOf extracts the HTTP status code from err, or 0.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsRetryable reports whether the failure class is worth retrying on the
// same account.
func IsRetryable(t ErrorType) bool {
	switch t {
	case ErrorTypeTransient, ErrorTypeRateLimit, ErrorTypePoolExhausted:
		return true
	default:
		return false
	}
}

// IsAccountFailure reports whether the failure retires the leased account
// rather than the task, forcing an account switch.
func IsAccountFailure(t ErrorType) bool {
	return t == ErrorTypeAuth || t == ErrorTypeRateLimit
}
