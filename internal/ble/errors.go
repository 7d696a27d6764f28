package ble

import (
	"errors"
	"fmt"
)

// AdapterErrorKind enumerates the radio preconditions a request can violate.
type AdapterErrorKind int

const (
	NotPresent AdapterErrorKind = iota + 1
	NotEnabled
	AlreadyScanning
)

func (k AdapterErrorKind) String() string {
	switch k {
	case NotPresent:
		return "adapter not present"
	case NotEnabled:
		return "adapter not enabled"
	case AlreadyScanning:
		return "already scanning"
	default:
		return "adapter error"
	}
}

// AdapterError reports an unmet radio precondition.
type AdapterError struct {
	Kind AdapterErrorKind
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v", e.Kind, e.Err)
	}
	return "ble: " + e.Kind.String()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is matches any AdapterError of the same kind, so errors.Is(err, ErrNotEnabled)
// holds for wrapped variants too.
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	return ok && t.Kind == e.Kind
}

// ConnectReason is the published, user-renderable reason a session attempt
// failed or ended.
type ConnectReason string

const (
	ReasonAlreadyActive      ConnectReason = "already active"
	ReasonUnreachable        ConnectReason = "unreachable"
	ReasonRejected           ConnectReason = "rejected"
	ReasonAdapterUnavailable ConnectReason = "adapter unavailable"
	ReasonConnectionLost     ConnectReason = "connection lost"
	ReasonScanFailed         ConnectReason = "scan failed"
	ReasonRequested          ConnectReason = "disconnect requested"
)

// ConnectError reports why a connection attempt did not produce a session.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: connect: %s: %v", e.Reason, e.Err)
	}
	return "ble: connect: " + string(e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectError)
	return ok && t.Reason == e.Reason
}

var (
	ErrNotPresent      = &AdapterError{Kind: NotPresent}
	ErrNotEnabled      = &AdapterError{Kind: NotEnabled}
	ErrAlreadyScanning = &AdapterError{Kind: AlreadyScanning}

	ErrAlreadyActive      = &ConnectError{Reason: ReasonAlreadyActive}
	ErrUnreachable        = &ConnectError{Reason: ReasonUnreachable}
	ErrRejected           = &ConnectError{Reason: ReasonRejected}
	ErrAdapterUnavailable = &ConnectError{Reason: ReasonAdapterUnavailable}

	// ErrClosed is returned by requests issued after the service was closed.
	ErrClosed = errors.New("ble: service closed")
)

// classifyDialError maps a radio connect failure to a ConnectError. Radios
// signal an explicit refusal by wrapping ErrRejected; anything else, including
// a cancelled or timed-out dial, counts as unreachable.
func classifyDialError(err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectError{Reason: ReasonUnreachable, Err: err}
}
