package credcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/devicelink/internal/infrastructure/config"
	"github.com/nerrad567/devicelink/internal/infrastructure/database"
)

// Credentials is the cached provisioning result.
// Secret is empty when the device authenticates with a certificate.
type Credentials struct {
	Secret   string `json:"secret"`
	Endpoint string `json:"endpoint"`
	DeviceID string `json:"device_id"`
}

// Cache stores at most one Credentials entry.
type Cache interface {
	// Load returns the stored entry. Missing or corrupt storage is a miss.
	Load() (Credentials, bool)

	// Save replaces the stored entry. Readers never observe a partial write.
	Save(creds Credentials) error

	// Invalidate removes the stored entry. Removing nothing is not an error.
	Invalidate() error
}

// Logger is the logging surface used by the cache backends.
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// LoadFor returns the cached entry only if it belongs to deviceID.
// Device ids are compared case-insensitively because the provisioning service
// may canonicalise case. A mismatching entry is invalidated.
func LoadFor(cache Cache, deviceID string) (Credentials, bool) {
	creds, ok := cache.Load()
	if !ok {
		return Credentials{}, false
	}
	if !strings.EqualFold(creds.DeviceID, deviceID) {
		_ = cache.Invalidate() //nolint:errcheck // A stale entry is overwritten on the next Save anyway
		return Credentials{}, false
	}
	return creds, true
}

// Open builds the backend selected by cfg.Backend.
//
// Parameters:
//   - cfg: Cache configuration (backend and path)
//   - registrationID: Key for the keyed backends
//   - db: Open database, required only for the sqlite backend
//   - logger: Receives corrupt-entry warnings (nil for none)
//
// Returns:
//   - Cache: The selected backend. BoltCache also implements io.Closer.
//   - error: If the backend is unknown or cannot be opened
func Open(cfg config.CacheConfig, registrationID string, db *database.DB, logger Logger) (Cache, error) {
	if logger == nil {
		logger = nopLogger{}
	}

	switch cfg.Backend {
	case "", config.CacheBackendFile:
		return NewFileCache(cfg.Path, logger), nil
	case config.CacheBackendSQLite:
		if db == nil {
			return nil, fmt.Errorf("credcache: sqlite backend requires a database")
		}
		return NewSQLiteCache(db, registrationID, logger), nil
	case config.CacheBackendBolt:
		cache, err := OpenBoltCache(cfg.Path, registrationID, logger)
		if err != nil {
			return nil, err
		}
		return cache, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// decode parses a stored entry. Besides the object form it accepts the older
// positional form ["<secret>", "<endpoint>", "<deviceId>"].
func decode(data []byte) (Credentials, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Credentials{}, fmt.Errorf("%w: empty", ErrCorruptCache)
	}

	var creds Credentials
	if data[0] == '[' {
		var fields []string
		if err := json.Unmarshal(data, &fields); err != nil {
			return Credentials{}, fmt.Errorf("%w: %w", ErrCorruptCache, err)
		}
		if len(fields) != 3 {
			return Credentials{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrCorruptCache, len(fields))
		}
		creds = Credentials{Secret: fields[0], Endpoint: fields[1], DeviceID: fields[2]}
	} else if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrCorruptCache, err)
	}

	if err := creds.validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func (c Credentials) validate() error {
	if c.Endpoint == "" || c.DeviceID == "" {
		return fmt.Errorf("%w: endpoint and device_id are required", ErrCorruptCache)
	}
	return nil
}
