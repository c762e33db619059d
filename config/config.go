package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"healthguard/live"
)

const (
	EnvPrefix = "HEALTHGUARD"
	FileName  = "config.yaml"
)

// Chat providers accepted by chat.provider.
const (
	ProviderBackend = "backend"
	ProviderOpenAI  = "openai"
	ProviderGemini  = "gemini"
	ProviderMock    = "mock"
)

// Speech recognizers accepted by stt.provider.
const (
	RecognizerWhisper  = "whisper"
	RecognizerKeyboard = "keyboard"
)

type Live struct {
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	Model            string        `mapstructure:"model" yaml:"model"`
	Voice            string        `mapstructure:"voice" yaml:"voice"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

type Chat struct {
	Provider   string `mapstructure:"provider" yaml:"provider"`
	BackendURL string `mapstructure:"backend_url" yaml:"backend_url"`
	Model      string `mapstructure:"model" yaml:"model"`
}

type STT struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
}

type TTS struct {
	Voice string `mapstructure:"voice" yaml:"voice"`
}

type Config struct {
	DisplayName  string `mapstructure:"display_name" yaml:"display_name"`
	PatientID    string `mapstructure:"patient_id" yaml:"patient_id"`
	Language     string `mapstructure:"language" yaml:"language"`
	OpenAIAPIKey string `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	GeminiAPIKey string `mapstructure:"gemini_api_key" yaml:"gemini_api_key"`
	DatabaseURL  string `mapstructure:"database_url" yaml:"database_url"`
	HTTPPort     int    `mapstructure:"http_port" yaml:"http_port"`

	Live Live `mapstructure:"live" yaml:"live"`
	Chat Chat `mapstructure:"chat" yaml:"chat"`
	STT  STT  `mapstructure:"stt" yaml:"stt"`
	TTS  TTS  `mapstructure:"tts" yaml:"tts"`
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("display_name", "Patient")
	v.SetDefault("patient_id", "")
	v.SetDefault("language", "en-US")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("database_url", "sqlite://healthguard.db")
	v.SetDefault("http_port", 8000)
	v.SetDefault("live.endpoint", "ws://localhost:8000/webhooks/voice-relay")
	v.SetDefault("live.api_key", "")
	v.SetDefault("live.model", "models/gemini-2.5-flash-native-audio-preview-09-2025")
	v.SetDefault("live.voice", live.DefaultVoice)
	v.SetDefault("live.handshake_timeout", live.DefaultHandshakeTimeout)
	v.SetDefault("chat.provider", ProviderBackend)
	v.SetDefault("chat.backend_url", "http://localhost:8000")
	v.SetDefault("chat.model", "")
	v.SetDefault("stt.provider", RecognizerKeyboard)
	v.SetDefault("tts.voice", "nova")
}

// Init points v at config.yaml in the working directory and at
// HEALTHGUARD_* environment variables. A missing file is not an error.
func Init(v *viper.Viper) error {
	SetDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Decode reads v into a Config without checking it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Load decodes v into a Config and checks it.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Chat.Provider {
	case ProviderBackend:
		if c.Chat.BackendURL == "" {
			return fmt.Errorf("chat.backend_url is required for the %s provider", ProviderBackend)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai_api_key is required for the %s provider", ProviderOpenAI)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("gemini_api_key is required for the %s provider", ProviderGemini)
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown chat.provider %q", c.Chat.Provider)
	}
	switch c.STT.Provider {
	case RecognizerKeyboard:
	case RecognizerWhisper:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai_api_key is required for the %s recognizer", RecognizerWhisper)
		}
	default:
		return fmt.Errorf("unknown stt.provider %q", c.STT.Provider)
	}
	if c.Live.HandshakeTimeout <= 0 {
		return fmt.Errorf("live.handshake_timeout must be positive, got %s", c.Live.HandshakeTimeout)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	return nil
}

// LiveConfig is the live engine configuration for this session.
func (c *Config) LiveConfig() live.Config {
	return live.Config{
		DisplayName:      c.DisplayName,
		Model:            c.Live.Model,
		Voice:            c.Live.Voice,
		HandshakeTimeout: c.Live.HandshakeTimeout,
	}
}

// Save writes c to path as YAML.
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
