package hub

import "errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("hub: session closed")

	// ErrRequestTimeout is returned when the hub does not answer a twin request in time.
	ErrRequestTimeout = errors.New("hub: request timed out")

	// ErrRejected is returned when the hub answers a twin request with a non-2xx status.
	ErrRejected = errors.New("hub: request rejected")

	// ErrCredential is returned when no usable credential was supplied.
	ErrCredential = errors.New("hub: unusable credential")
)
