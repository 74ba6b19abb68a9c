// Package database provides the SQLite store used to persist connection
// descriptors and their lifecycle events.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Versioned schema migrations read from an fs.FS (see /migrations)
//   - Transaction helpers with rollback on error
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is restricted to 0600 since connection
//     descriptors may carry broker credentials
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own
// transaction and is recorded in schema_migrations.
package database
