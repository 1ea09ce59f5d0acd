package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAckTimeout is returned when the coordinator does not acknowledge
	// an emitted event within the ack timeout.
	ErrAckTimeout = errors.New("session: acknowledgement timed out")

	// ErrClosed is returned by calls made after the session has ended.
	ErrClosed = errors.New("session: closed")

	// ErrMalformedCertificate means the coordinator's certificate reply
	// did not carry both a certificate and a key.
	ErrMalformedCertificate = errors.New("session: malformed certificate payload")
)

// ConnectError is returned by Dial when the coordinator cannot be reached
// or refuses the node's credentials.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: connect failed: %s: %v", e.Reason, e.Err)
	}
	return "session: connect failed: " + e.Reason
}

func (e *ConnectError) Unwrap() error { return e.Err }

// FatalError reports a control channel failure that must end the process.
// Only the entry point acts on it.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("coordinator session fatal: %s: %v", e.Reason, e.Err)
	}
	return "coordinator session fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// RefusedError carries the error the coordinator returned in an ack.
type RefusedError struct {
	Event   string
	Message string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("session: coordinator refused %s: %s", e.Event, e.Message)
}
