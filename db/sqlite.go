package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"healthguard/etc"
)

var timeNow = time.Now

// SQLite is the single-file journal used when no Postgres server is
// configured. Timestamps are stored as Julian days.
type SQLite struct {
	*sql.DB
	stmtCache sync.Map
	logger    *log.Logger
}

// OpenSQLite opens (creating if needed) the journal at path and applies
// pending migrations without asking.
func OpenSQLite(logger *log.Logger, path string) (*SQLite, error) {
	s, err := openSQLite(logger, path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(s.DB, logger, false); err != nil {
		s.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return s, nil
}

// MigrateSQLite offers each pending migration interactively.
func MigrateSQLite(logger *log.Logger, path string) error {
	s, err := openSQLite(logger, path)
	if err != nil {
		return err
	}
	defer s.Close()
	return Migrate(s.DB, logger, true)
}

func openSQLite(logger *log.Logger, path string) (*SQLite, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &SQLite{DB: sqlDB, logger: logger}, nil
}

// Close closes the database connection and clears the statement cache.
func (db *SQLite) Close() error {
	db.stmtCache.Range(func(key, value any) bool {
		if stmt, ok := value.(*sql.Stmt); ok {
			stmt.Close()
		}
		db.stmtCache.Delete(key)
		return true
	})
	return db.DB.Close()
}

func (db *SQLite) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := db.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := db.Prepare(query)
	if err != nil {
		return nil, err
	}

	db.stmtCache.Store(query, stmt)
	return stmt, nil
}

func (db *SQLite) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db.logger.Debug("Executing SQL statement", "query", query, "args", args)
	stmt, err := db.prepareStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (db *SQLite) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db.logger.Debug("Executing SQL query", "query", query, "args", args)
	stmt, err := db.prepareStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

func (db *SQLite) SessionStarted(ctx context.Context, id, displayName string, at time.Time) error {
	_, err := db.exec(ctx, `
		INSERT OR IGNORE INTO voice_sessions (id, display_name, started_at)
		VALUES (?, ?, ?)
	`, id, displayName, etc.TimeToJulianDay(at))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (db *SQLite) FailedOver(ctx context.Context, id, reason string, at time.Time) error {
	_, err := db.exec(ctx, `
		INSERT INTO voice_failovers (id, session, reason, created_at)
		VALUES (?, ?, ?, ?)
	`, etc.NewFreshID(), id, reason, etc.TimeToJulianDay(at))
	if err != nil {
		return fmt.Errorf("insert failover: %w", err)
	}
	return nil
}

func (db *SQLite) TurnRecorded(ctx context.Context, id, role, engine, text string, at time.Time) error {
	_, err := db.exec(ctx, `
		INSERT INTO voice_turns (id, session, role, engine, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, etc.NewFreshID(), id, role, engine, text, etc.TimeToJulianDay(at))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (db *SQLite) SessionEnded(ctx context.Context, id, finalMode string, at time.Time) error {
	_, err := db.exec(ctx, `
		UPDATE voice_sessions SET ended_at = ?, final_mode = ? WHERE id = ?
	`, etc.TimeToJulianDay(at), finalMode, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (db *SQLite) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := db.query(ctx, `
		SELECT s.id, s.display_name, s.started_at, s.ended_at,
		       COALESCE(s.final_mode, ''),
		       (SELECT count(*) FROM voice_failovers f WHERE f.session = s.id),
		       (SELECT count(*) FROM voice_turns t WHERE t.session = s.id)
		FROM voice_sessions s
		ORDER BY s.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started float64
			ended   sql.NullFloat64
		)
		err := rows.Scan(&s.ID, &s.DisplayName, &started, &ended, &s.FinalMode, &s.Failovers, &s.Turns)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = etc.JulianDayToTime(started)
		if ended.Valid {
			t := etc.JulianDayToTime(ended.Float64)
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (db *SQLite) SessionTurns(ctx context.Context, id string) ([]Turn, error) {
	rows, err := db.query(ctx, `
		SELECT id, session, role, engine, text, created_at
		FROM voice_turns
		WHERE session = ?
		ORDER BY created_at, rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t  Turn
			at float64
		)
		if err := rows.Scan(&t.ID, &t.Session, &t.Role, &t.Engine, &t.Text, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = etc.JulianDayToTime(at)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (db *SQLite) SessionFailovers(ctx context.Context, id string) ([]Failover, error) {
	rows, err := db.query(ctx, `
		SELECT id, session, reason, created_at
		FROM voice_failovers
		WHERE session = ?
		ORDER BY created_at, rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query failovers: %w", err)
	}
	defer rows.Close()

	var failovers []Failover
	for rows.Next() {
		var (
			f  Failover
			at float64
		)
		if err := rows.Scan(&f.ID, &f.Session, &f.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan failover: %w", err)
		}
		f.CreatedAt = etc.JulianDayToTime(at)
		failovers = append(failovers, f)
	}
	return failovers, rows.Err()
}
