package credcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/devicelink/internal/infrastructure/database"
)

// sqliteTimeout bounds each cache query; the Cache interface carries no context.
const sqliteTimeout = 5 * time.Second

// SQLiteCache stores the entry in the credential_cache table, keyed by
// registration id. The table is created by the embedded migrations.
type SQLiteCache struct {
	db     *database.DB
	key    string
	logger Logger
}

// NewSQLiteCache returns a cache backed by db.
func NewSQLiteCache(db *database.DB, registrationID string, logger Logger) *SQLiteCache {
	if logger == nil {
		logger = nopLogger{}
	}
	return &SQLiteCache{db: db, key: registrationID, logger: logger}
}

// Load implements Cache.
func (c *SQLiteCache) Load() (Credentials, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	var creds Credentials
	err := c.db.QueryRowContext(ctx,
		"SELECT secret, endpoint, device_id FROM credential_cache WHERE registration_id = ?",
		c.key,
	).Scan(&creds.Secret, &creds.Endpoint, &creds.DeviceID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("credential cache query failed", "error", err)
		}
		return Credentials{}, false
	}

	if err := creds.validate(); err != nil {
		c.logger.Warn("credential cache corrupt, ignoring", "error", err)
		return Credentials{}, false
	}
	return creds, true
}

// Save implements Cache.
func (c *SQLiteCache) Save(creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credential_cache (registration_id, secret, endpoint, device_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(registration_id) DO UPDATE SET
				secret = excluded.secret,
				endpoint = excluded.endpoint,
				device_id = excluded.device_id,
				updated_at = excluded.updated_at`,
			c.key, creds.Secret, creds.Endpoint, creds.DeviceID,
			time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("credcache: saving entry: %w", err)
		}
		return nil
	})
}

// Invalidate implements Cache.
func (c *SQLiteCache) Invalidate() error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM credential_cache WHERE registration_id = ?", c.key,
	); err != nil {
		return fmt.Errorf("credcache: deleting entry: %w", err)
	}
	return nil
}
