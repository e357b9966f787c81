package gateway

import (
	"errors"
	"fmt"
)

// Error is a payment gateway failure. Retryable errors are transport-level
// (network, 5xx) and may be retried; non-retryable errors are business
// rejections (4xx) and must be surfaced to the caller.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Op, e.Message)
}

// NewUnavailable wraps a transient transport failure.
func NewUnavailable(op string, status int, message string) *Error {
	return &Error{Op: op, StatusCode: status, Message: message, Retryable: true}
}

// NewRejected wraps a business-level rejection from the gateway.
func NewRejected(op string, status int, code, message string) *Error {
	return &Error{Op: op, StatusCode: status, Code: code, Message: message, Retryable: false}
}

// IsUnavailable reports whether err is a transient gateway failure.
func IsUnavailable(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Retryable
}

// IsRejected reports whether err is a business-level gateway rejection.
func IsRejected(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && !ge.Retryable
}
