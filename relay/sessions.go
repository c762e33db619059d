package relay

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"healthguard/db"
)

const defaultSessionLimit = 20

// SessionReader is the read side of the session journal.
type SessionReader interface {
	RecentSessions(ctx context.Context, limit int) ([]db.Session, error)
	SessionTurns(ctx context.Context, id string) ([]db.Turn, error)
	SessionFailovers(ctx context.Context, id string) ([]db.Failover, error)
}

type SessionDetail struct {
	ID        string        `json:"id"`
	Turns     []db.Turn     `json:"turns"`
	Failovers []db.Failover `json:"failovers"`
}

// WithJournal exposes the journal under /api/sessions.
func (s *Server) WithJournal(journal SessionReader) *Server {
	s.journal = journal
	return s
}

func (s *Server) sessionRoutes(r chi.Router) {
	r.Get("/", s.handleSessions)
	r.Get("/{sessionID}", s.handleSession)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := s.journal.RecentSessions(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to list sessions", "error", err)
		http.Error(w, "Failed to fetch sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	turns, err := s.journal.SessionTurns(r.Context(), id)
	if err != nil {
		s.log.Error("failed to fetch turns", "session", id, "error", err)
		http.Error(w, "Failed to fetch session", http.StatusInternalServerError)
		return
	}
	failovers, err := s.journal.SessionFailovers(r.Context(), id)
	if err != nil {
		s.log.Error("failed to fetch failovers", "session", id, "error", err)
		http.Error(w, "Failed to fetch session", http.StatusInternalServerError)
		return
	}
	if len(turns) == 0 && len(failovers) == 0 {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if turns == nil {
		turns = []db.Turn{}
	}
	if failovers == nil {
		failovers = []db.Failover{}
	}
	writeJSON(w, http.StatusOK, SessionDetail{ID: id, Turns: turns, Failovers: failovers})
}
