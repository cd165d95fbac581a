package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/botbridge/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfig_Defaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Node.Port != 3000 {
		t.Errorf("port: want 3000, got %d", cfg.Node.Port)
	}
	if cfg.Storage.Backend != config.BackendSQLite {
		t.Errorf("backend: want sqlite, got %s", cfg.Storage.Backend)
	}
	if cfg.Retention.PurgeAfterDays != 7 {
		t.Errorf("purge_after_days: want 7, got %d", cfg.Retention.PurgeAfterDays)
	}
	if cfg.Webhook.Port != 3001 {
		t.Errorf("webhook port: want 3001, got %d", cfg.Webhook.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestConfig_LoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Port != 3000 {
		t.Errorf("port: want default 3000, got %d", cfg.Node.Port)
	}
}

func TestConfig_LoadOverlay(t *testing.T) {
	path := writeConfig(t, `
node:
  port: 8080
  data_dir: /var/lib/bridge
storage:
  backend: bolt
  path: msgs.bolt
auth:
  enabled: true
  api_key: secret
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("port: want 8080, got %d", cfg.Node.Port)
	}
	if cfg.Storage.Backend != config.BackendBolt {
		t.Errorf("backend: want bolt, got %s", cfg.Storage.Backend)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Errorf("auth: want enabled with key, got %+v", cfg.Auth)
	}
	// Untouched sections keep their defaults.
	if cfg.RateLimit.RPS != 100 {
		t.Errorf("rps: want default 100, got %v", cfg.RateLimit.RPS)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_PORT", "9090")
	t.Setenv("BOT_ID", "xiaoc")
	t.Setenv("TELEGRAM_CHAT_IDS", " 111 , 222 ,")
	t.Setenv("BRIDGE_AUTH_API_KEY", "env-key")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Port != 9090 {
		t.Errorf("port: want 9090, got %d", cfg.Node.Port)
	}
	if cfg.Bot.ID != "xiaoc" {
		t.Errorf("bot id: want xiaoc, got %s", cfg.Bot.ID)
	}
	if len(cfg.Telegram.ChatIDs) != 2 || cfg.Telegram.ChatIDs[0] != "111" || cfg.Telegram.ChatIDs[1] != "222" {
		t.Errorf("chat ids: want [111 222], got %v", cfg.Telegram.ChatIDs)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "env-key" {
		t.Errorf("auth: env key must enable auth, got %+v", cfg.Auth)
	}
}

func TestConfig_ValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad port", func(c *config.Config) { c.Node.Port = 0 }},
		{"empty data dir", func(c *config.Config) { c.Node.DataDir = "" }},
		{"bad backend", func(c *config.Config) { c.Storage.Backend = "postgres" }},
		{"empty storage path", func(c *config.Config) { c.Storage.Path = "" }},
		{"zero purge days", func(c *config.Config) { c.Retention.PurgeAfterDays = 0 }},
		{"zero rps", func(c *config.Config) { c.RateLimit.RPS = 0 }},
		{"zero burst", func(c *config.Config) { c.RateLimit.Burst = 0 }},
		{"bad webhook port", func(c *config.Config) { c.Webhook.Port = 70000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("%s: want validation error", tc.name)
			}
		})
	}
}
