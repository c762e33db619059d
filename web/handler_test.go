package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"healthguard/db"
)

type memJournal struct {
	sessions  []db.Session
	turns     []db.Turn
	failovers []db.Failover
}

func (m memJournal) RecentSessions(ctx context.Context, limit int) ([]db.Session, error) {
	return m.sessions, nil
}

func (m memJournal) SessionTurns(ctx context.Context, id string) ([]db.Turn, error) {
	var out []db.Turn
	for _, t := range m.turns {
		if t.Session == id {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m memJournal) SessionFailovers(ctx context.Context, id string) ([]db.Failover, error) {
	var out []db.Failover
	for _, f := range m.failovers {
		if f.Session == id {
			out = append(out, f)
		}
	}
	return out, nil
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestDashboard(t *testing.T) {
	at := time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)
	end := at.Add(2 * time.Minute)
	journal := memJournal{
		sessions: []db.Session{{ID: "s-1", DisplayName: "Jordan <Patel>", StartedAt: at, EndedAt: &end, FinalMode: "fallback", Turns: 2, Failovers: 1}},
		turns: []db.Turn{
			{Session: "s-1", Role: "user", Engine: "fallback", Text: "I need to renew my prescription", CreatedAt: at},
			{Session: "s-1", Role: "assistant", Engine: "fallback", Text: "Sure, I can help with that.", CreatedAt: at},
		},
		failovers: []db.Failover{{Session: "s-1", Reason: "handshake timed out", CreatedAt: at}},
	}

	r := chi.NewRouter()
	r.Route("/dashboard", NewHandler(journal, log.New(io.Discard)).Routes)

	code, body := get(t, r, "/dashboard/")
	if code != http.StatusOK {
		t.Fatalf("index status = %d", code)
	}
	for _, want := range []string{"Jordan &lt;Patel&gt;", "Voice Concierge", "2m0s", `href="/dashboard/s-1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}

	code, body = get(t, r, "/dashboard/s-1")
	if code != http.StatusOK {
		t.Fatalf("session status = %d", code)
	}
	for _, want := range []string{"handshake timed out", "Sure, I can help with that."} {
		if !strings.Contains(body, want) {
			t.Errorf("session page missing %q", want)
		}
	}

	if code, _ := get(t, r, "/dashboard/unknown"); code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", code)
	}
}

func TestIndexListsRoutes(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {})
	r.Method(http.MethodGet, "/", Index(r))

	code, body := get(t, r, "/")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(body, `<a href="/healthz">/healthz</a>`) {
		t.Errorf("missing GET link:\n%s", body)
	}
	if !strings.Contains(body, "<code>POST</code> /api/chat") {
		t.Errorf("missing POST route:\n%s", body)
	}
}
