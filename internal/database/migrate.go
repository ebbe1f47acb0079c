package database

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// getSchemaVersion reads PRAGMA user_version from the database.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration newer than the stored user_version.
func migrate(conn *sql.DB, log *slog.Logger) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}
	if current > latestVersion() {
		return fmt.Errorf("schema version %d is newer than supported version %d", current, latestVersion())
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		log.Debug("applying migration", "version", m.Version, "description", m.Description)

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// modernc/sqlite ignores user_version set inside a transaction.
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}

	return nil
}
