package main

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"healthguard/config"
)

func runSetup(cmd *cobra.Command, args []string) {
	mainLogger, _, _ := createLoggers()
	mainLogger.Info("Starting HealthGuard setup...")

	// Start from whatever is configured now so setup can be rerun.
	cfg, err := config.Decode(viper.GetViper())
	if err != nil {
		mainLogger.Fatal("Error reading configuration", "error", err)
	}

	if _, err := os.Stat(config.FileName); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(config.FileName + " already exists. Overwrite it?").
			Value(&overwrite).
			Run()
		if err != nil {
			mainLogger.Fatal("Error during setup", "error", err)
		}
		if !overwrite {
			mainLogger.Info("Setup cancelled")
			return
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Patient display name").
				Value(&cfg.DisplayName),
			huh.NewInput().
				Title("Patient ID").
				Value(&cfg.PatientID),
			huh.NewInput().
				Title("Live endpoint").
				Description("Websocket URL of the live multimodal service").
				Value(&cfg.Live.Endpoint),
			huh.NewInput().
				Title("Live API key").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Live.APIKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Fallback chat provider").
				Options(huh.NewOptions(
					config.ProviderBackend,
					config.ProviderOpenAI,
					config.ProviderGemini,
					config.ProviderMock,
				)...).
				Value(&cfg.Chat.Provider),
			huh.NewInput().
				Title("Backend URL").
				Value(&cfg.Chat.BackendURL),
			huh.NewSelect[string]().
				Title("Speech recognition").
				Options(huh.NewOptions(config.RecognizerKeyboard, config.RecognizerWhisper)...).
				Value(&cfg.STT.Provider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Enter your OpenAI API Key").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.OpenAIAPIKey),
			huh.NewInput().
				Title("Enter your Google Cloud (Gemini) API Key").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.GeminiAPIKey),
			huh.NewInput().
				Title("Session journal").
				Description("SQLite path or postgres:// URL; empty disables the journal").
				Value(&cfg.DatabaseURL),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			mainLogger.Info("Setup cancelled")
			return
		}
		mainLogger.Fatal("Error during setup", "error", err)
	}

	if err := cfg.Validate(); err != nil {
		mainLogger.Warn("Configuration is incomplete", "error", err)
	}

	if err := config.Save(config.FileName, cfg); err != nil {
		mainLogger.Fatal("Error saving configuration", "error", err)
	}

	mainLogger.Info("Setup completed successfully!", "file", config.FileName)
}
