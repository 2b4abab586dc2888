// Package database provides SQLite connectivity for devicelink.
//
// The database is optional: it is opened only when the credential cache uses
// the "sqlite" backend. It holds the provisioning result cache and its schema
// migrations.
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//   - The cached device secret is stored in plain text; protect the data directory
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration Strategy:
//
// Migrations are additive-only. Files are named
// YYYYMMDD_HHMMSS_description.up.sql with an optional matching .down.sql.
package database
