package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	lease_key  TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	blob_path      TEXT NOT NULL,
	token          TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	locked_by      TEXT,
	locked_until   INTEGER NOT NULL DEFAULT 0,
	delivery_count INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	enqueued_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_visible ON jobs (status, locked_until);
`

// InitDB opens the SQLite database at path and creates the lease and job tables if they don't exist.
// ":memory:" is accepted; the pool is pinned to one connection so every caller sees the same database.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
