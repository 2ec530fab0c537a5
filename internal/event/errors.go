package event

import "errors"

var (
	// ErrInvalidEvent indicates an event missing fields required for a
	// durable append.
	ErrInvalidEvent = errors.New("event: invalid event")

	// ErrBroadcasterClosed indicates a subscribe attempt after shutdown.
	ErrBroadcasterClosed = errors.New("event: broadcaster closed")
)
