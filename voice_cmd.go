package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"healthguard/config"
	"healthguard/db"
	"healthguard/device"
	"healthguard/live"
	"healthguard/stt"
	"healthguard/tts"
	"healthguard/ui"
	"healthguard/voice"
)

func runVoice(cmd *cobra.Command, args []string) {
	sessionLogger, closeLog, err := ui.NewFileLogger(ui.LogFile, logLevel())
	if err != nil {
		logger.Fatal("open log file", "error", err.Error())
	}
	defer closeLog()

	cfg := loadConfig(logger)
	ctx := context.Background()

	chat, closeChat, err := newChatClient(ctx, sessionLogger, cfg)
	if err != nil {
		logger.Fatal("create chat client", "error", err.Error())
	}
	defer closeChat()

	system := device.NewSystem(sessionLogger)

	var openaiClient *openai.Client
	if cfg.OpenAIAPIKey != "" {
		openaiClient = openai.NewClient(cfg.OpenAIAPIKey)
	}

	deps := voice.Deps{
		Microphone: system,
		Contexts:   system,
		Dialer:     live.NewWebsocketDialer(sessionLogger, cfg.Live.Endpoint, cfg.Live.APIKey),
		Chat:       chat,
	}

	var keyboard ui.Keyboard
	switch cfg.STT.Provider {
	case config.RecognizerWhisper:
		deps.Recognizer = stt.NewWhisperRecognizer(sessionLogger, openaiClient, system)
	default:
		kb := stt.NewKeyboardRecognizer()
		deps.Recognizer = kb
		keyboard = kb
	}

	if openaiClient != nil {
		deps.Synthesizer = tts.NewOpenAISynthesizer(sessionLogger, openaiClient, system, cfg.TTS.Voice)
	} else {
		sessionLogger.Warn("no openai_api_key; fallback replies will be text only")
	}

	if cfg.DatabaseURL != "" {
		store, err := db.Open(ctx, sessionLogger, cfg.DatabaseURL)
		if err != nil {
			sessionLogger.Warn("session journal disabled", "error", err)
		} else {
			defer store.Close()
			deps.Journal = store
		}
	}

	manager := voice.New(sessionLogger, voice.Config{
		DisplayName: cfg.DisplayName,
		PatientID:   cfg.PatientID,
		Language:    cfg.Language,
		Live:        cfg.LiveConfig(),
	}, deps)
	manager.Start()
	defer manager.Shutdown()

	p := tea.NewProgram(ui.New(manager, keyboard), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		logger.Error("terminal UI failed", "error", err)
		return
	}

	snap := manager.Snapshot()
	if snap.FailoverReason != "" {
		fmt.Printf("Session %s ended (fell back: %s).\n", snap.SessionID, snap.FailoverReason)
		return
	}
	fmt.Printf("Session %s ended.\n", snap.SessionID)
}
