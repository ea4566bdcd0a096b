// Package database provides SQLite connectivity for Fleet Core.
//
// It opens the database with WAL and a busy timeout, limits the pool to the
// single writer SQLite supports, and applies embedded schema migrations.
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
// Migrations are additive: new columns are nullable or carry a default, and
// each .up.sql ships with a .down.sql.
package database
