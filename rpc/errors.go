package rpc

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"tilewire/message"
)

var (
	// ErrClosed is returned for any call on a closed engine and is the rejection reason
	// of every call still pending when the engine closes.
	ErrClosed = errors.New("engine is closed")

	// ErrDuplicateID rejects a call whose id is still held by an earlier pending call.
	// It only happens after the id counter wraps with that many calls in flight.
	ErrDuplicateID = errors.New("call id already pending")
)

// ProtocolError describes an inbound message that referenced state this engine does not
// have. It is logged and the message dropped; it never fails a caller.
type ProtocolError struct {
	Kind   message.Kind
	ID     uint32
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s %d: %s", e.Kind, e.ID, e.Reason)
}

// ListenerError records one listener's failure while handling an inbound event.
type ListenerError struct {
	Event string
	Index int
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d for %q: %v", e.Index, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// RemoteError is the caller-side view of a failure reported in a Response.
type RemoteError struct {
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Event, e.Message)
}

// remoteErrors flattens a Response's error list: one error stays a *RemoteError, several
// are combined so multierr.Errors recovers the list.
func remoteErrors(event string, msgs []string) error {
	if len(msgs) == 1 {
		return &RemoteError{Event: event, Message: msgs[0]}
	}
	var err error
	for _, m := range msgs {
		err = multierr.Append(err, &RemoteError{Event: event, Message: m})
	}
	return err
}
