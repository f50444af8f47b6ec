package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrReadTooLarge is returned for reads no buffer could ever hold.
	ErrReadTooLarge = errors.New("read exceeds maximum buffer capacity")
	// ErrSessionFailed is returned for reads against a session that had
	// already failed before the read was issued.
	ErrSessionFailed = errors.New("session already failed")
	// ErrUnexpectedStatus is returned when the response status is not acceptable.
	ErrUnexpectedStatus = errors.New("unexpected status code")
	// ErrRangeMismatch is returned when a partial response does not cover the requested range.
	ErrRangeMismatch = errors.New("partial response does not match requested range")
	// ErrOriginChanged is returned when a response comes from a different
	// origin than earlier responses for the same resource.
	ErrOriginChanged = errors.New("response origin changed")
)

// FailureKind classifies why a session failed.
type FailureKind int

const (
	// FailureNone means no failure.
	FailureNone FailureKind = iota
	// FailureTransport is a network or I/O error; it may be transient.
	FailureTransport
	// FailureProtocol is a rejected response: bad status, bad Content-Range
	// or an origin change. It is never retried.
	FailureProtocol
	// FailureRequest is a request no session can serve.
	FailureRequest
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransport:
		return "transport"
	case FailureProtocol:
		return "protocol"
	case FailureRequest:
		return "request"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// SessionError carries the kind of a session failure.
type SessionError struct {
	Kind FailureKind
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or FailureNone.
func KindOf(err error) FailureKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailureNone
}
