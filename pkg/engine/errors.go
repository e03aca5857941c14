package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Driver calls fail this way by default: the driven applications
	// hang, crash, or silently fail a step without distinguishing causes.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, an operation invalid for the current
	// session state.
	ErrorClassPermanent ErrorClass = "permanent"
)

// OpError represents a classified failure of one driver or workflow operation.
type OpError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass

	// Op is the operation being performed when the error occurred.
	Op string

	// Resource is the resource path involved, if applicable.
	Resource string

	// Message is the human-readable error message.
	Message string

	// Err is the underlying error that caused this error.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Resource != "" && e.Op != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, op=%s): %s",
			e.Class, e.Message, e.Resource, e.Op, e.unwrapMessage())
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s (op=%s): %s",
			e.Class, e.Message, e.Op, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OpError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *OpError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *OpError {
	return &OpError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *OpError {
	return &OpError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithOp adds operation context to an error.
func (e *OpError) WithOp(op string) *OpError {
	e.Op = op
	return e
}

// WithResource adds resource context to an error.
func (e *OpError) WithResource(path string) *OpError {
	e.Resource = path
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *OpError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *OpError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether an operation failing with err may be attempted
// again. Failures are retryable by default; only an explicit permanent
// classification or an already-exhausted operation is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || IsExhausted(err) {
		return false
	}
	return true
}

// ExhaustedError reports that every configured retry attempt for one logical
// operation was consumed. It carries the operation name and wraps the last
// underlying cause. This is the only failure kind visible above the retry
// layer for retryable failures.
type ExhaustedError struct {
	// Op is the logical operation that was retried.
	Op string

	// Attempts is the number of attempts performed.
	Attempts int

	// Err is the failure of the final attempt.
	Err error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

// Unwrap returns the final attempt's failure.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted returns true if the error is an ExhaustedError.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// AsExhausted returns the ExhaustedError in err's chain, if any.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var e *ExhaustedError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
