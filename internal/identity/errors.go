package identity

import "errors"

var (
	// ErrInvalidAuth is returned when configuration does not describe exactly one usable auth mode.
	ErrInvalidAuth = errors.New("identity: invalid authentication configuration")

	// ErrCertificate is returned when certificate material cannot be loaded.
	ErrCertificate = errors.New("identity: cannot load client certificate")
)
