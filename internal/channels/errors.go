package channels

import (
	"errors"
	"fmt"
)

// ErrAlreadyConnected is returned by Connect for an instance with a live connection.
var ErrAlreadyConnected = errors.New("instance already connected")

// ConnectionError is an auth or network failure while connecting an
// instance. Fatal for that instance on initial connect.
type ConnectionError struct {
	Instance string
	Op       string // "identity probe", "open stream"
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Instance, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError is a malformed or unrecognized inbound frame. Logged and
// discarded; the stream continues.
type StreamError struct {
	Instance string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Instance, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// SendError is an outbound delivery failure surfaced to the caller.
type SendError struct {
	Instance  string
	ChannelID string
	Err       error
}

func (e *SendError) Error() string {
	if e.ChannelID != "" {
		return fmt.Sprintf("send via %s to %s: %v", e.Instance, e.ChannelID, e.Err)
	}
	return fmt.Sprintf("send via %s: %v", e.Instance, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ChannelNotFoundError is returned when no team of the instance has a
// channel with the requested name.
type ChannelNotFoundError struct {
	Ref string
	Err error // last lookup failure other than 404, if any
}

func (e *ChannelNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel %q not found: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("channel %q not found", e.Ref)
}

func (e *ChannelNotFoundError) Unwrap() error { return e.Err }

// HandlerError wraps a failure (or panic) of the injected handler for one message.
type HandlerError struct {
	Instance  string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s message %s: %v", e.Instance, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
