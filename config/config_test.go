package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Live.HandshakeTimeout != 10*time.Second {
		t.Errorf("handshake timeout = %s", cfg.Live.HandshakeTimeout)
	}
	if cfg.Chat.Provider != ProviderBackend || cfg.Language != "en-US" {
		t.Errorf("cfg = %+v", cfg)
	}
	if got := cfg.LiveConfig(); got.DisplayName != "Patient" || got.HandshakeTimeout != 10*time.Second {
		t.Errorf("live config = %+v", got)
	}
}

func TestFileAndEnvironment(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	err := v.ReadConfig(strings.NewReader(`
display_name: Jordan Patel
live:
  handshake_timeout: 3s
chat:
  provider: mock
`))
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	t.Setenv("HEALTHGUARD_PATIENT_ID", "p-42")
	t.Setenv("HEALTHGUARD_LIVE_VOICE", "Kore")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DisplayName != "Jordan Patel" || cfg.PatientID != "p-42" {
		t.Errorf("identity = %q %q", cfg.DisplayName, cfg.PatientID)
	}
	if cfg.Live.HandshakeTimeout != 3*time.Second || cfg.Live.Voice != "Kore" {
		t.Errorf("live = %+v", cfg.Live)
	}
	if cfg.Chat.Provider != ProviderMock {
		t.Errorf("provider = %q", cfg.Chat.Provider)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		change func(c *Config)
		errMsg string
	}{
		{"unknown provider", func(c *Config) { c.Chat.Provider = "carrier-pigeon" }, "unknown chat.provider"},
		{"openai without key", func(c *Config) { c.Chat.Provider = ProviderOpenAI }, "openai_api_key"},
		{"gemini without key", func(c *Config) { c.Chat.Provider = ProviderGemini }, "gemini_api_key"},
		{"backend without url", func(c *Config) { c.Chat.BackendURL = "" }, "backend_url"},
		{"whisper without key", func(c *Config) { c.STT.Provider = RecognizerWhisper }, "openai_api_key"},
		{"unknown recognizer", func(c *Config) { c.STT.Provider = "telepathy" }, "unknown stt.provider"},
		{"zero timeout", func(c *Config) { c.Live.HandshakeTimeout = 0 }, "handshake_timeout"},
		{"bad port", func(c *Config) { c.HTTPPort = 70000 }, "http_port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			cfg, err := Load(v)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.change(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.DisplayName = "Avery Chen"
	cfg.Chat.Provider = ProviderMock

	path := filepath.Join(t.TempDir(), FileName)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("stat = %v, %v", info, err)
	}

	w := viper.New()
	SetDefaults(w)
	w.SetConfigFile(path)
	if err := w.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	got, err := Load(w)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DisplayName != "Avery Chen" || got.Chat.Provider != ProviderMock {
		t.Errorf("reloaded = %+v", got)
	}
	if got.Live.HandshakeTimeout != cfg.Live.HandshakeTimeout {
		t.Errorf("timeout = %s, want %s", got.Live.HandshakeTimeout, cfg.Live.HandshakeTimeout)
	}
}
