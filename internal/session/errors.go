package session

import "errors"

var (
	// ErrRetriesExhausted wraps the last failure once max_attempts is reached.
	ErrRetriesExhausted = errors.New("session: retries exhausted")

	// ErrNotAssigned is returned when provisioning completes without an assignment.
	ErrNotAssigned = errors.New("session: device not assigned")

	// ErrReleased is returned by Connect after Release.
	ErrReleased = errors.New("session: manager released")
)
