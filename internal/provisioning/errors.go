package provisioning

import "errors"

var (
	// ErrCredential means the service rejected the key or certificate.
	ErrCredential = errors.New("provisioning: credential rejected")

	// ErrConnectionFailed means the service could not be reached.
	ErrConnectionFailed = errors.New("provisioning: connection failed")

	// ErrConnectionDropped means the connection was lost mid-registration.
	ErrConnectionDropped = errors.New("provisioning: connection dropped")

	// ErrClient means the service refused the request (4xx, failed or disabled enrollment).
	ErrClient = errors.New("provisioning: request rejected")

	// ErrUnknown covers every other failure.
	ErrUnknown = errors.New("provisioning: unknown failure")
)
