package credcache

import "errors"

var (
	// ErrCorruptCache is returned by decoders when a stored entry cannot be parsed
	// or lacks required fields. Load converts it into a miss.
	ErrCorruptCache = errors.New("credcache: corrupt cache entry")

	// ErrUnknownBackend is returned by Open for an unsupported cache.backend value.
	ErrUnknownBackend = errors.New("credcache: unknown backend")
)
