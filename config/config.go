// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Graph holds Microsoft Graph credentials and watch parameters.
type Graph struct {
	TenantID     string `env:"MICROSOFT_TENANT_ID"`
	ClientID     string `env:"MICROSOFT_CLIENT_ID"`
	ClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	TargetUser   string `env:"TARGET_EMAIL_ADDRESS"`
	AuthMode     string `env:"AUTH_MODE" envDefault:"app"` // "app" (client credentials) or "delegated" (device code)
	Folder       string `env:"WATCH_FOLDER" envDefault:"inbox"`
}

// Summarizer holds the summarization backend settings.
type Summarizer struct {
	OpenAIKey   string `env:"OPENAI_API_KEY"`
	Model       string `env:"SUMMARIZER_MODEL" envDefault:"gpt-4o-mini"`
	MaxBodySize int    `env:"SUMMARIZER_MAX_BODY" envDefault:"4000"` // Body bytes fed to the model
}

// Notifier holds notification sink settings.
type Notifier struct {
	Type             string `env:"NOTIFIER_TYPE" envDefault:"console"` // "console" or "telegram"
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`
}

// Config is the full service configuration.
type Config struct {
	Graph      Graph
	Summarizer Summarizer
	Notifier   Notifier

	Port            string        `env:"PORT" envDefault:"8080"`
	BaseURL         string        `env:"BASE_URL"` // Public HTTPS base for the webhook callback
	StorageBucket   string        `env:"STORAGE_BUCKET"`
	LocalStorage    string        `env:"LOCAL_STORAGE"`
	LifetimeMinutes int           `env:"SUBSCRIPTION_LIFETIME_MINUTES" envDefault:"4230"`
	DedupWindow     time.Duration `env:"DEDUP_WINDOW" envDefault:"15m"`
	Workers         int           `env:"DIGEST_WORKERS" envDefault:"4"`
	QueueDepth      int           `env:"DIGEST_QUEUE_DEPTH" envDefault:"64"`
	MaxUnread       int           `env:"MAX_EMAILS" envDefault:"10"` // Per polling pass; 0 means all
	SweepSchedule   string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1h"`
	PollSchedule    string        `env:"POLL_SCHEDULE" envDefault:"@every 10m"`
}

// Load reads configuration from the environment, consulting an optional .env
// file first. A missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Graph.TenantID == "" {
		missing = append(missing, "MICROSOFT_TENANT_ID")
	}
	if c.Graph.ClientID == "" {
		missing = append(missing, "MICROSOFT_CLIENT_ID")
	}
	if c.Graph.AuthMode == "app" {
		if c.Graph.ClientSecret == "" {
			missing = append(missing, "MICROSOFT_CLIENT_SECRET")
		}
		if c.Graph.TargetUser == "" {
			missing = append(missing, "TARGET_EMAIL_ADDRESS")
		}
	}
	if c.Notifier.Type == "telegram" {
		if c.Notifier.TelegramBotToken == "" {
			missing = append(missing, "TELEGRAM_BOT_TOKEN")
		}
		if c.Notifier.TelegramChatID == "" {
			missing = append(missing, "TELEGRAM_CHAT_ID")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}

	if c.Graph.AuthMode != "app" && c.Graph.AuthMode != "delegated" {
		return errors.New(`AUTH_MODE must be "app" or "delegated"`)
	}
	return nil
}
