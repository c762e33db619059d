package db

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := Open(context.Background(), log.New(io.Discard), "sqlite://"+path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestJournalRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)

	steps := []error{
		store.SessionStarted(ctx, "s-1", "Jordan Patel", start),
		store.FailedOver(ctx, "s-1", "handshake timed out", start.Add(10*time.Second)),
		store.TurnRecorded(ctx, "s-1", "user", "fallback", "I need to renew my prescription", start.Add(20*time.Second)),
		store.TurnRecorded(ctx, "s-1", "assistant", "fallback", "Sure, I can help with that.", start.Add(21*time.Second)),
		store.SessionEnded(ctx, "s-1", "fallback", start.Add(time.Minute)),
		store.SessionStarted(ctx, "s-2", "Avery Chen", start.Add(time.Hour)),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	sessions, err := store.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "s-2" || sessions[0].EndedAt != nil {
		t.Errorf("newest session = %+v", sessions[0])
	}

	s := sessions[1]
	if s.DisplayName != "Jordan Patel" || s.FinalMode != "fallback" {
		t.Errorf("session = %+v", s)
	}
	if s.Failovers != 1 || s.Turns != 2 {
		t.Errorf("failovers=%d turns=%d, want 1 and 2", s.Failovers, s.Turns)
	}
	if d := s.StartedAt.Sub(start); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("started at %v, want %v", s.StartedAt, start)
	}
	if s.EndedAt == nil || s.EndedAt.Sub(start.Add(time.Minute)).Abs() > time.Millisecond {
		t.Errorf("ended at %v", s.EndedAt)
	}

	turns, err := store.SessionTurns(ctx, "s-1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Text != "Sure, I can help with that." {
		t.Errorf("turns = %+v", turns)
	}

	failovers, err := store.SessionFailovers(ctx, "s-1")
	if err != nil {
		t.Fatalf("SessionFailovers: %v", err)
	}
	if len(failovers) != 1 || failovers[0].Reason != "handshake timed out" {
		t.Errorf("failovers = %+v", failovers)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	for i := 0; i < 2; i++ {
		store, err := OpenSQLite(log.New(io.Discard), path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		var n int
		if err := store.QueryRow("SELECT count(*) FROM migration_history").Scan(&n); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if n != len(migrations) {
			t.Errorf("applied %d migrations, want %d", n, len(migrations))
		}
		store.Close()
	}
}

func TestPostgresJournal(t *testing.T) {
	url := os.Getenv("HEALTHGUARD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HEALTHGUARD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, log.New(io.Discard), url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	id := "test-" + time.Now().Format("150405.000000")
	if err := store.SessionStarted(ctx, id, "Test Patient", time.Now()); err != nil {
		t.Fatalf("SessionStarted: %v", err)
	}
	if err := store.TurnRecorded(ctx, id, "user", "live", "hello", time.Now()); err != nil {
		t.Fatalf("TurnRecorded: %v", err)
	}
	turns, err := store.SessionTurns(ctx, id)
	if err != nil || len(turns) != 1 {
		t.Fatalf("SessionTurns = %+v, %v", turns, err)
	}
}
