package credcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	credentialsBucket = "credentials"
	boltOpenTimeout   = time.Second
)

// BoltCache stores the entry as JSON under the registration id in a bbolt file.
type BoltCache struct {
	db     *bolt.DB
	key    []byte
	logger Logger
}

// OpenBoltCache opens (or creates) the bbolt file at path.
// The caller must Close the returned cache.
func OpenBoltCache(path, registrationID string, logger Logger) (*BoltCache, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPermissions); err != nil {
		return nil, fmt.Errorf("credcache: creating directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePermissions, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("credcache: opening bolt file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(credentialsBucket))
		return err
	})
	if err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("credcache: creating bucket: %w", err)
	}

	return &BoltCache{db: db, key: []byte(registrationID), logger: logger}, nil
}

// Load implements Cache.
func (c *BoltCache) Load() (Credentials, bool) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(credentialsBucket)).Get(c.key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("credential cache read failed", "error", err)
		return Credentials{}, false
	}
	if data == nil {
		return Credentials{}, false
	}

	creds, err := decode(data)
	if err != nil {
		c.logger.Warn("credential cache corrupt, ignoring", "error", err)
		return Credentials{}, false
	}
	return creds, true
}

// Save implements Cache.
func (c *BoltCache) Save(creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credcache: encoding entry: %w", err)
	}

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).Put(c.key, data)
	}); err != nil {
		return fmt.Errorf("credcache: saving entry: %w", err)
	}
	return nil
}

// Invalidate implements Cache.
func (c *BoltCache) Invalidate() error {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).Delete(c.key)
	}); err != nil {
		return fmt.Errorf("credcache: deleting entry: %w", err)
	}
	return nil
}

// Close releases the bbolt file lock.
func (c *BoltCache) Close() error {
	return c.db.Close()
}
