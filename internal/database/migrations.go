package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sends (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    filename TEXT NOT NULL,
    title TEXT NOT NULL,
    source_url TEXT,
    firmware TEXT,
    host TEXT,
    size INTEGER DEFAULT 0,
    outcome TEXT NOT NULL CHECK(outcome IN ('uploaded', 'downloaded', 'failed')),
    failure_class TEXT,
    upload_error TEXT,
    device_path TEXT,
    local_path TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "send duration and history index",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("ALTER TABLE sends ADD COLUMN duration_ms INTEGER DEFAULT 0"); err != nil {
				return err
			}
			_, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_sends_created ON sends(created_at)")
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
