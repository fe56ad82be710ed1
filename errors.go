package xrelay

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBusClosed                   = errors.New("xrelay: bus is closed")
	ErrInvalidAddress              = errors.New("xrelay: address must not be empty")
	ErrInvalidReceiver             = errors.New("xrelay: receiver must not be nil")
	ErrObserverPoolShutdownTimeout = errors.New("xrelay: observer pool shutdown timed out")
	ErrReceiverPanic               = errors.New("xrelay: receiver panicked")

	// Outcomes observed on a send's completion handle.
	ErrTimeout          = errors.New("xrelay: response timeout")
	ErrConnectionBroken = errors.New("xrelay: connection broken")
	ErrCancelled        = errors.New("xrelay: operation cancelled")
	ErrProcessing       = errors.New("xrelay: processing failed")
	ErrUnrecovered      = errors.New("xrelay: unrecovered processing failure")
)

type ErrUnknownConnector struct{ name string }

func (e ErrUnknownConnector) Error() string { return fmt.Sprintf("unknown connector: %s", e.name) }

// TimeoutError reports a single-response send that saw no answer in time.
type TimeoutError struct {
	Address string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("xrelay: no response from %q within %s", e.Address, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ConnectionBrokenError carries the first broken connection seen in the tick
// that abandoned the operation.
type ConnectionBrokenError struct {
	Address    string
	Connection string
}

func (e *ConnectionBrokenError) Error() string {
	return fmt.Sprintf("xrelay: request to %q abandoned, connection %q is broken", e.Address, e.Connection)
}

func (e *ConnectionBrokenError) Is(target error) bool { return target == ErrConnectionBroken }

// ProcessingError wraps a failure a receiver chose to forward back to the sender.
type ProcessingError struct {
	Address string
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("xrelay: processing %q failed: %v", e.Address, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }

// UnrecoveredError is a receiver failure nobody chose to forward. It never
// reaches the sender; it is reported to observers and the dispatcher.
type UnrecoveredError struct {
	Address string
	Err     error
}

func (e *UnrecoveredError) Error() string {
	return fmt.Sprintf("xrelay: unrecovered failure processing %q: %v", e.Address, e.Err)
}

func (e *UnrecoveredError) Unwrap() error { return e.Err }

func (e *UnrecoveredError) Is(target error) bool { return target == ErrUnrecovered }

// RemoteError is an error that crossed a transport and lost its concrete type.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
