// Package database provides SQLite connectivity for the device's
// persistent store.
//
// This package manages:
//   - Database connection with WAL mode
//   - Schema migrations embedded in the binary
//   - Transaction helpers
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (the bind token lives here)
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
