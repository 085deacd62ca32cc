// Package sqlite is the client cache tier: events kept for the client retention window and
// the per-cell sync watermarks, in a local SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/geo-sightings/internal/infrastructure/sqlite/migrations"
)

// Open opens the cache at path (a file path or ":memory:"), applies PRAGMAs and brings the
// schema up to date.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" databases are
	// per-connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
