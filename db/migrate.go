package db

import (
	"database/sql"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"

	"healthguard/etc"
)

type Migration struct {
	ID          string
	Description string
	Up          func(*sql.Tx) error
}

var migrations = []Migration{
	{
		ID:          "001_voice_journal",
		Description: "Create voice session, failover and turn tables",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS voice_sessions (
					id TEXT PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					started_at REAL NOT NULL DEFAULT (julianday('now')),
					ended_at REAL,
					final_mode TEXT
				);

				CREATE TABLE IF NOT EXISTS voice_failovers (
					id TEXT PRIMARY KEY,
					session TEXT NOT NULL,
					reason TEXT NOT NULL,
					created_at REAL NOT NULL DEFAULT (julianday('now')),
					FOREIGN KEY (session) REFERENCES voice_sessions(id)
				);

				CREATE TABLE IF NOT EXISTS voice_turns (
					id TEXT PRIMARY KEY,
					session TEXT NOT NULL,
					role TEXT NOT NULL,
					engine TEXT NOT NULL,
					text TEXT NOT NULL,
					created_at REAL NOT NULL DEFAULT (julianday('now')),
					FOREIGN KEY (session) REFERENCES voice_sessions(id)
				);
			`)
			return err
		},
	},
	{
		ID:          "002_journal_indexes",
		Description: "Index turns by session and sessions by start time",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS voice_turns_session_idx
					ON voice_turns (session, created_at);
				CREATE INDEX IF NOT EXISTS voice_sessions_started_idx
					ON voice_sessions (started_at DESC);
			`)
			return err
		},
	},
}

// Migrate applies pending migrations. With confirm set, each one is
// offered to the user first and may be skipped.
func Migrate(db *sql.DB, logger *log.Logger, confirm bool) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at REAL DEFAULT (julianday('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating migration_history table: %w", err)
	}

	for _, migration := range migrations {
		var applied bool
		err := db.QueryRow(
			"SELECT 1 FROM migration_history WHERE id = ?",
			migration.ID,
		).Scan(&applied)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("error checking migration status: %w", err)
		}

		if applied {
			logger.Debug("Skipping migration (already applied)", "id", migration.ID)
			continue
		}

		if confirm {
			var ok bool
			err = huh.NewConfirm().
				Title(fmt.Sprintf("New migration found: %s", migration.ID)).
				Description(migration.Description).
				Value(&ok).
				Run()
			if err != nil {
				return fmt.Errorf("error getting user confirmation: %w", err)
			}
			if !ok {
				logger.Info("Migration skipped", "id", migration.ID)
				continue
			}
		}

		logger.Info("Applying migration", "id", migration.ID)
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("error starting transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("error applying migration %s: %w", migration.ID, err)
		}

		_, err = tx.Exec(
			"INSERT INTO migration_history (id, applied_at) VALUES (?, ?)",
			migration.ID,
			etc.TimeToJulianDay(timeNow()),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("error recording migration %s: %w", migration.ID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("error committing migration %s: %w", migration.ID, err)
		}

		logger.Info("Successfully applied migration", "id", migration.ID)
	}

	return nil
}
