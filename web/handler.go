// Package web renders the session journal as HTML pages.
package web

import (
	"context"
	"html/template"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"healthguard/db"
)

// Journal is the read side of the session journal.
type Journal interface {
	RecentSessions(ctx context.Context, limit int) ([]db.Session, error)
	SessionTurns(ctx context.Context, id string) ([]db.Turn, error)
	SessionFailovers(ctx context.Context, id string) ([]db.Failover, error)
}

type Handler struct {
	journal Journal
	logger  *log.Logger
}

func NewHandler(journal Journal, logger *log.Logger) *Handler {
	return &Handler{
		journal: journal,
		logger:  logger.WithPrefix("web"),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/{sessionID}", h.handleSession)
}

var indexTemplate = template.Must(template.New("index").Funcs(funcs).Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Voice Sessions</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100">
    <div class="container mx-auto px-4 py-8">
        <h1 class="text-3xl font-bold mb-6">Voice Sessions</h1>
        <div class="space-y-4">
            {{range .}}
            <a href="/dashboard/{{.ID}}" class="block bg-white shadow rounded-lg p-4 hover:bg-gray-50">
                <p class="text-gray-600 text-sm">{{.StartedAt.Format "2006-01-02 15:04:05"}} · {{duration .}}</p>
                <p class="text-lg">{{.DisplayName}}</p>
                <p class="text-sm">
                    {{if eq .FinalMode "fallback"}}<span class="text-emerald-600">Voice Concierge</span>{{else if eq .FinalMode "live"}}<span class="text-indigo-600">Live Multimodal</span>{{else}}<span class="text-gray-500">{{.FinalMode}}</span>{{end}}
                    · {{.Turns}} turns · {{.Failovers}} failovers
                </p>
            </a>
            {{else}}
            <p>No sessions recorded yet.</p>
            {{end}}
        </div>
    </div>
</body>
</html>
`))

var sessionTemplate = template.Must(template.New("session").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Session {{.ID}}</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100">
    <div class="container mx-auto px-4 py-8">
        <h1 class="text-3xl font-bold mb-6">Session {{.ID}}</h1>
        {{range .Failovers}}
        <div class="bg-amber-50 border border-amber-200 rounded-lg p-3 mb-4">
            <p class="text-gray-600 text-sm">{{.CreatedAt.Format "15:04:05"}}</p>
            <p>Switched to the voice concierge: {{.Reason}}</p>
        </div>
        {{end}}
        <div class="space-y-2">
            {{range .Turns}}
            <div class="{{if eq .Role "user"}}bg-white{{else}}bg-indigo-50{{end}} shadow rounded-lg p-3">
                <p class="text-gray-600 text-sm">{{.CreatedAt.Format "15:04:05"}} · {{.Role}} · {{.Engine}}</p>
                <p class="text-lg">{{.Text}}</p>
            </div>
            {{end}}
        </div>
    </div>
</body>
</html>
`))

var funcs = template.FuncMap{
	"duration": func(s db.Session) string {
		if s.EndedAt == nil {
			return "running"
		}
		return s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
	},
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.journal.RecentSessions(r.Context(), 50)
	if err != nil {
		h.logger.Error("failed to get sessions", "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, sessions); err != nil {
		h.logger.Error("failed to execute template", "error", err.Error())
	}
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	turns, err := h.journal.SessionTurns(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get turns", "session", id, "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	failovers, err := h.journal.SessionFailovers(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get failovers", "session", id, "error", err.Error())
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if len(turns) == 0 && len(failovers) == 0 {
		http.NotFound(w, r)
		return
	}

	h.logger.Debug("Fetched session", "session", id, "turns", len(turns), "failovers", len(failovers))

	data := struct {
		ID        string
		Turns     []db.Turn
		Failovers []db.Failover
	}{id, turns, failovers}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := sessionTemplate.Execute(w, data); err != nil {
		h.logger.Error("failed to execute template", "error", err.Error())
	}
}
