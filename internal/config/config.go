// Package config holds all configuration types and loading logic for
// botbridge. Config structure never shrinks — fields are only added, never
// renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the relay server and the
// webhook bot host. Each binary reads the sections it cares about.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Bot       BotConfig       `yaml:"bot"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// NodeConfig holds identity and network settings for the relay server.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StorageBackend selects which durable store implementation the relay uses.
type StorageBackend string

const (
	BackendSQLite StorageBackend = "sqlite"
	BackendBolt   StorageBackend = "bolt"
)

// StorageConfig controls how messages are persisted.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	// Path is the database file. Relative paths resolve under node.data_dir.
	Path string `yaml:"path"`
}

// RetentionConfig controls the default retention sweep.
type RetentionConfig struct {
	// PurgeAfterDays is the default read-age cutoff for DELETE /api/messages
	// when the request carries no older_than parameter.
	PurgeAfterDays int `yaml:"purge_after_days"`
}

// AuthConfig controls API key authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig controls per-IP token-bucket rate limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BotConfig holds the identity a client-side bot process uses when talking
// to the relay. Read by cmd/webhookd, ignored by cmd/server.
type BotConfig struct {
	ID        string `yaml:"id"`
	BridgeURL string `yaml:"bridge_url"`
}

// TelegramConfig holds the outbound Telegram notifier settings.
type TelegramConfig struct {
	BotToken string   `yaml:"bot_token"`
	ChatIDs  []string `yaml:"chat_ids"`
}

// WebhookConfig controls the Telegram webhook listener in cmd/webhookd.
type WebhookConfig struct {
	Port int `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    3000,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "messages.db",
		},
		Retention: RetentionConfig{
			PurgeAfterDays: 7,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
		Bot: BotConfig{
			ID:        "unknown",
			BridgeURL: "http://localhost:3000",
		},
		Telegram: TelegramConfig{
			BotToken: "",
			ChatIDs:  []string{},
		},
		Webhook: WebhookConfig{
			Port: 3001,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run botbridge with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	BRIDGE_PORT           — sets node.port
//	BRIDGE_DATA_DIR       — sets node.data_dir
//	BRIDGE_DB_PATH        — sets storage.path
//	BRIDGE_AUTH_API_KEY   — sets auth.api_key and enables auth
//	BRIDGE_API_URL        — sets bot.bridge_url
//	BOT_ID                — sets bot.id
//	TELEGRAM_BOT_TOKEN    — sets telegram.bot_token
//	TELEGRAM_CHAT_IDS     — sets telegram.chat_ids (comma-separated)
//	WEBHOOK_PORT          — sets webhook.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("BRIDGE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("BRIDGE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BRIDGE_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("BRIDGE_API_URL"); v != "" {
		cfg.Bot.BridgeURL = v
	}
	if v := os.Getenv("BOT_ID"); v != "" {
		cfg.Bot.ID = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_IDS"); v != "" {
		ids := strings.Split(v, ",")
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
		cfg.Telegram.ChatIDs = out
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Webhook.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendBolt:
		// valid
	default:
		return errors.New(`storage.backend must be one of "sqlite", "bolt"`)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	if c.Retention.PurgeAfterDays < 1 {
		return errors.New("retention.purge_after_days must be at least 1")
	}
	if c.RateLimit.RPS <= 0 {
		return errors.New("rate_limit.rps must be positive")
	}
	if c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be at least 1")
	}
	if c.Webhook.Port < 1 || c.Webhook.Port > 65535 {
		return errors.New("webhook.port must be between 1 and 65535")
	}
	return nil
}
