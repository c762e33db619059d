package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"healthguard/etc"
)

//go:embed schema.sql
var sqlFS embed.FS

type Postgres struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func OpenPostgres(
	ctx context.Context,
	logger *log.Logger,
	url string,
) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	sqlFile, err := sqlFS.ReadFile("schema.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to read embedded schema.sql: %w", err)
	}

	if _, err := pool.Exec(ctx, string(sqlFile)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to execute embedded schema.sql: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) SessionStarted(
	ctx context.Context,
	id, displayName string,
	at time.Time,
) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO voice_sessions (id, display_name, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, displayName, at)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *Postgres) FailedOver(
	ctx context.Context,
	id, reason string,
	at time.Time,
) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO voice_failovers (id, session, reason, created_at)
		VALUES ($1, $2, $3, $4)
	`, etc.NewFreshID(), id, reason, at)
	if err != nil {
		return fmt.Errorf("insert failover: %w", err)
	}
	return nil
}

func (p *Postgres) TurnRecorded(
	ctx context.Context,
	id, role, engine, text string,
	at time.Time,
) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO voice_turns (id, session, role, engine, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, etc.NewFreshID(), id, role, engine, text, at)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (p *Postgres) SessionEnded(
	ctx context.Context,
	id, finalMode string,
	at time.Time,
) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE voice_sessions SET ended_at = $2, final_mode = $3 WHERE id = $1
	`, id, at, finalMode)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (p *Postgres) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.id, s.display_name, s.started_at, s.ended_at,
		       COALESCE(s.final_mode, ''),
		       (SELECT count(*) FROM voice_failovers f WHERE f.session = s.id),
		       (SELECT count(*) FROM voice_turns t WHERE t.session = s.id)
		FROM voice_sessions s
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var (
			s     Session
			ended pgtype.Timestamptz
		)
		err := row.Scan(&s.ID, &s.DisplayName, &s.StartedAt, &ended, &s.FinalMode, &s.Failovers, &s.Turns)
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

func (p *Postgres) SessionTurns(ctx context.Context, id string) ([]Turn, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session, role, engine, text, created_at
		FROM voice_turns
		WHERE session = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.ID, &t.Session, &t.Role, &t.Engine, &t.Text, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan turns: %w", err)
	}
	return turns, nil
}

func (p *Postgres) SessionFailovers(ctx context.Context, id string) ([]Failover, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session, reason, created_at
		FROM voice_failovers
		WHERE session = $1
		ORDER BY created_at
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query failovers: %w", err)
	}

	failovers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Failover, error) {
		var f Failover
		err := row.Scan(&f.ID, &f.Session, &f.Reason, &f.CreatedAt)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan failovers: %w", err)
	}
	return failovers, nil
}
