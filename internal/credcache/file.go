package credcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	cacheDirPermissions  = 0750
	cacheFilePermissions = 0600
)

// FileCache stores the entry as a JSON document on disk.
type FileCache struct {
	path   string
	logger Logger
	mu     sync.Mutex
}

// NewFileCache returns a cache backed by the file at path.
// The file and its directory are created on the first Save.
func NewFileCache(path string, logger Logger) *FileCache {
	if logger == nil {
		logger = nopLogger{}
	}
	return &FileCache{path: path, logger: logger}
}

// Load implements Cache.
func (c *FileCache) Load() (Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("credential cache unreadable", "path", c.path, "error", err)
		}
		return Credentials{}, false
	}

	creds, err := decode(data)
	if err != nil {
		c.logger.Warn("credential cache corrupt, ignoring", "path", c.path, "error", err)
		return Credentials{}, false
	}
	return creds, true
}

// Save implements Cache. The document is written to a temporary file in the
// same directory, synced, then renamed over the old one.
func (c *FileCache) Save(creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credcache: encoding entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, cacheDirPermissions); err != nil {
		return fmt.Errorf("credcache: creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("credcache: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName) //nolint:errcheck // Best effort cleanup on error path
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // Write error takes precedence
		return fmt.Errorf("credcache: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck // Sync error takes precedence
		return fmt.Errorf("credcache: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credcache: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, cacheFilePermissions); err != nil {
		return fmt.Errorf("credcache: setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("credcache: replacing cache file: %w", err)
	}
	committed = true
	return nil
}

// Invalidate implements Cache.
func (c *FileCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credcache: removing cache file: %w", err)
	}
	return nil
}
