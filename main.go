package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"healthguard/config"
	"healthguard/llm"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	sessionsCmd.Flags().Int("limit", 20, "Number of sessions to list")
	sessionsCmd.Flags().String("show", "", "Print the transcript of one session")
	sessionsCmd.Flags().Bool("summarize", false, "Summarize the shown session with the chat model")
	sessionsCmd.Flags().Bool("migrate", false, "Review and apply pending SQLite journal migrations")

	rootCmd.AddCommand(voiceCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(setupCmd)

	// Add persistent flags
	rootCmd.PersistentFlags().String("display-name", "", "Patient name the assistant addresses")
	rootCmd.PersistentFlags().String("patient-id", "", "Patient identifier sent with chat turns")
	rootCmd.PersistentFlags().String("live-endpoint", "", "Live websocket endpoint")
	rootCmd.PersistentFlags().String("chat-provider", "", "Fallback chat provider: backend, openai, gemini or mock")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("gemini-api-key", "", "Gemini API key")
	rootCmd.PersistentFlags().String("database-url", "", "Session journal: SQLite path or postgres:// URL")
	rootCmd.PersistentFlags().Int("http-port", 0, "HTTP server port")
	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")

	// Bind flags to viper
	viper.BindPFlag("display_name", rootCmd.PersistentFlags().Lookup("display-name"))
	viper.BindPFlag("patient_id", rootCmd.PersistentFlags().Lookup("patient-id"))
	viper.BindPFlag("live.endpoint", rootCmd.PersistentFlags().Lookup("live-endpoint"))
	viper.BindPFlag("chat.provider", rootCmd.PersistentFlags().Lookup("chat-provider"))
	viper.BindPFlag("openai_api_key", rootCmd.PersistentFlags().Lookup("openai-api-key"))
	viper.BindPFlag("gemini_api_key", rootCmd.PersistentFlags().Lookup("gemini-api-key"))
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if err := config.Init(viper.GetViper()); err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "healthguard",
	Short: "HealthGuard voice concierge",
	Long:  `HealthGuard runs a patient voice session over a live multimodal link and falls back to a turn-based voice concierge when the link fails.`,
}

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Start a voice session in the terminal",
	Run:   runVoice,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the development backend (chat API and voice relay)",
	Run:   runServe,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List journaled voice sessions",
	Long:  `List recent voice sessions in a table, or print and summarize one session's transcript`,
	Run:   runSessions,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write config.yaml interactively",
	Run:   runSetup,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func logLevel() log.Level {
	if viper.GetBool("debug") {
		return log.DebugLevel
	}
	return log.InfoLevel
}

func loadConfig(logger *log.Logger) *config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Fatal("invalid configuration", "error", err.Error())
	}
	return cfg
}

// newChatClient builds the fallback chat provider. The returned func
// releases it.
func newChatClient(
	ctx context.Context,
	logger *log.Logger,
	cfg *config.Config,
) (llm.ChatClient, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Chat.Provider {
	case config.ProviderBackend:
		return llm.NewBackendClient(logger, cfg.Chat.BackendURL), noop, nil
	case config.ProviderOpenAI:
		client := openai.NewClient(cfg.OpenAIAPIKey)
		return llm.NewOpenAILanguageModel(logger, client, cfg.Chat.Model), noop, nil
	case config.ProviderGemini:
		model, err := llm.NewGeminiLanguageModel(ctx, logger, cfg.GeminiAPIKey, cfg.Chat.Model)
		if err != nil {
			return nil, nil, err
		}
		return model, model.Close, nil
	case config.ProviderMock:
		return llm.MockLanguageModel{}, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown chat provider %q", cfg.Chat.Provider)
	}
}

func createLoggers() (mainLogger, httpLogger, dataLogger *log.Logger) {
	logger.SetLevel(logLevel())
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	httpLogger = logger.With().WithPrefix("http")
	dataLogger = logger.With().WithPrefix("data")

	return
}
