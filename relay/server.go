// Package relay is the development backend the voice client talks to: the
// turn-based chat endpoint and a websocket relay speaking the live wire
// protocol.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"healthguard/llm"
	"healthguard/tts"
	"healthguard/web"
)

const DefaultSystemInstruction = "You are HealthGuard AI, a compassionate healthcare assistant. Provide complete, thorough responses."

type Server struct {
	log     *log.Logger
	chat    llm.ChatClient
	speech  tts.SpeechClient
	voice   string
	journal SessionReader
}

// NewServer answers chat with client, or with canned replies when client
// is nil. speech is optional; without it the voice relay sends text only.
func NewServer(
	logger *log.Logger,
	client llm.ChatClient,
	speech tts.SpeechClient,
) *Server {
	if client == nil {
		client = llm.MockLanguageModel{}
	}
	return &Server{
		log:    logger.WithPrefix("relay"),
		chat:   client,
		speech: speech,
	}
}

// WithVoice sets the synthesis voice used by the voice relay.
func (s *Server) WithVoice(voice string) *Server {
	s.voice = voice
	return s
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Post("/api/chat", s.handleChat)
	r.Get("/webhooks/voice-relay", s.handleVoiceRelay)
	if s.journal != nil {
		r.Route("/api/sessions", s.sessionRoutes)
		r.Route("/dashboard", web.NewHandler(s.journal, s.log).Routes)
	}
	r.Method(http.MethodGet, "/", web.Index(r))
}

// Handler returns the full router with request logging and panic recovery.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  s.log.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	s.Routes(r)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "healthguard-relay",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req llm.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid chat request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	instruction := req.SystemInstruction
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}
	conversation := req.ConversationID
	if conversation == "" {
		conversation = fmt.Sprintf("conv_%d", time.Now().Unix())
	}

	started := time.Now()
	completion := &llm.ChatCompletionRequest{
		SystemPrompt:   instruction,
		ConversationID: conversation,
		PatientID:      req.PatientID,
	}
	reply, err := llm.Collect(r.Context(), s.chat, completion.WithUserMessage(req.Message))
	if err != nil {
		s.log.Error("chat failed", "error", err, "conversation", conversation)
		http.Error(w, fmt.Sprintf("Chat error: %v", err), http.StatusInternalServerError)
		return
	}
	reply = strings.TrimSpace(reply)

	s.log.Info("chat",
		"conversation", conversation,
		"patient", req.PatientID,
		"elapsed", time.Since(started).Round(time.Millisecond),
		"chars", len(reply),
	)

	writeJSON(w, http.StatusOK, llm.ChatResponse{
		Response:       reply,
		ConversationID: conversation,
		QuickReplies:   QuickReplies(req.Message, reply),
		Widget:         Widget(req.Message, reply),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}
