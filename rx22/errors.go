package rx22

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by Transport and Engine operations once the
// underlying stream has failed or been closed. It is fatal to the current
// stream: operations keep failing until the caller recreates the Transport
// or reattaches a stream with Transport.Reconnect.
var ErrTransportClosed = errors.New("rx22: transport closed")

// ErrMalformedResponse is returned when an ICP is structurally wrong (too
// short, or failing a command-specific length check).
var ErrMalformedResponse = errors.New("rx22: malformed response")

// InvalidArgumentError reports a caller-supplied value that violates a
// fixed-length or range invariant (serial not 16 bytes, state not 4 bytes,
// an index that doesn't fit in 16 bits).
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("rx22: invalid argument %s: %s", e.Field, e.Reason)
}

// InvalidEscapeError is raised by the byte-stuffing decoder when it meets an
// escape byte (0x80) followed by something other than 0x00, 0x01 or 0x02, or
// when 0x80 is the last byte of the stuffed sequence.
type InvalidEscapeError struct {
	Offset int
	Value  byte
}

func (e *InvalidEscapeError) Error() string {
	return fmt.Sprintf("rx22: invalid escape at offset %d: 0x%02x", e.Offset, e.Value)
}

// ProtocolStatusError surfaces a non-success status byte from an ICP to the
// caller. Every command except Receive-Notification's canceled/superseded
// 3-byte ICP reports a non-success status this way.
type ProtocolStatusError struct {
	Command CommandCode
	Status  StatusCode
}

func (e *ProtocolStatusError) Error() string {
	return fmt.Sprintf("rx22: %s failed with status %s", e.Command, e.Status)
}

// CanceledError is returned when the caller's context is canceled while a
// command is outstanding. It wraps context.Canceled/context.DeadlineExceeded
// so errors.Is against either still succeeds.
type CanceledError struct {
	Cause error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("rx22: canceled: %v", e.Cause)
}

func (e *CanceledError) Unwrap() error {
	return e.Cause
}

// statusError maps a non-success status to the caller-visible error for a
// given command. Receive-Notification's short ICP is handled separately by
// Commands.ReceiveNotification before this is ever consulted.
func statusError(cmd CommandCode, status StatusCode) error {
	if status == StatusSuccess {
		return nil
	}
	return &ProtocolStatusError{Command: cmd, Status: status}
}
