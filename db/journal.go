// Package db keeps the session journal: which sessions ran, when they
// failed over and what was said.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type Session struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	FinalMode   string     `json:"final_mode,omitempty"`
	Failovers   int        `json:"failovers"`
	Turns       int        `json:"turns"`
}

type Turn struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	Role      string    `json:"role"`
	Engine    string    `json:"engine"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Failover struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a session journal backed by a database.
type Store interface {
	SessionStarted(ctx context.Context, id, displayName string, at time.Time) error
	FailedOver(ctx context.Context, id, reason string, at time.Time) error
	TurnRecorded(ctx context.Context, id, role, engine, text string, at time.Time) error
	SessionEnded(ctx context.Context, id, finalMode string, at time.Time) error

	RecentSessions(ctx context.Context, limit int) ([]Session, error)
	SessionTurns(ctx context.Context, id string) ([]Turn, error)
	SessionFailovers(ctx context.Context, id string) ([]Failover, error)
	Close() error
}

// Open connects to the journal at url. postgres:// and postgresql:// URLs
// use Postgres; anything else is a SQLite file path, optionally prefixed
// with sqlite:// or file:.
func Open(ctx context.Context, logger *log.Logger, url string) (Store, error) {
	logger = logger.WithPrefix("db")
	switch {
	case url == "":
		return nil, fmt.Errorf("no database configured")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, logger, url)
	default:
		path, _ := SQLitePath(url)
		return OpenSQLite(logger, path)
	}
}

// SQLitePath returns the file path of a SQLite journal URL, and false for
// Postgres URLs.
func SQLitePath(url string) (string, bool) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "", false
	}
	path := strings.TrimPrefix(url, "sqlite://")
	return strings.TrimPrefix(path, "file:"), true
}
