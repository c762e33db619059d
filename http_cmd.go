package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"healthguard/config"
	"healthguard/db"
	"healthguard/llm"
	"healthguard/relay"
	"healthguard/tts"
)

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, httpLogger, dataLogger := createLoggers()
	cfg := loadConfig(mainLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The backend provider would call this server; answer with canned
	// replies instead.
	var chat llm.ChatClient
	if cfg.Chat.Provider != config.ProviderBackend {
		client, closeChat, err := newChatClient(ctx, httpLogger, cfg)
		if err != nil {
			mainLogger.Fatal("create chat client", "error", err.Error())
		}
		defer closeChat()
		chat = client
	}

	var speech tts.SpeechClient
	if cfg.OpenAIAPIKey != "" {
		speech = openai.NewClient(cfg.OpenAIAPIKey)
	}

	server := relay.NewServer(httpLogger, chat, speech).WithVoice(cfg.TTS.Voice)

	if cfg.DatabaseURL != "" {
		store, err := db.Open(ctx, dataLogger, cfg.DatabaseURL)
		if err != nil {
			mainLogger.Warn("session journal unavailable", "error", err)
		} else {
			defer store.Close()
			server.WithJournal(store)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			mainLogger.Warn("HTTP server shutdown", "error", err)
		}
	}()

	mainLogger.Info(fmt.Sprintf("Starting HTTP server on port %d", cfg.HTTPPort),
		"provider", cfg.Chat.Provider,
		"speech", speech != nil,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		mainLogger.Error("start HTTP server", "error", err.Error())
	}
}
