package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrEOS indicates that the stream ended. It is an expected outcome of a
	// task iteration, not an application error: the loop shuts down cleanly.
	ErrEOS = errors.New("end of stream")

	// ErrFlushing indicates that the element is flushing and rejected the
	// operation without touching buffered state.
	ErrFlushing = errors.New("flushing")

	// ErrNotNegotiated indicates that no format was agreed before data flow.
	ErrNotNegotiated = errors.New("format not negotiated")

	// ErrNotLinked indicates that a source port has no downstream peer.
	ErrNotLinked = errors.New("port not linked")
)

// FlowError is a structured stream-level error surfaced to the host with a
// diagnostic message. Expected flow signals (ErrEOS, ErrFlushing) are usually
// returned bare; FlowError wraps the unrecoverable ones.
type FlowError struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// NewFlowError creates a structured flow error.
func NewFlowError(code, message string, err error) *FlowError {
	return &FlowError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsEOS checks if an error is the end-of-stream signal.
func IsEOS(err error) bool {
	return errors.Is(err, ErrEOS)
}

// IsFlushing checks if an error is the flushing signal.
func IsFlushing(err error) bool {
	return errors.Is(err, ErrFlushing)
}
