package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerURL      string        `env:"CHAT_SERVER_URL"`
	SessionDB      string        `env:"CHAT_SESSION_DB" envDefault:"chat-session.db"`
	RequestTimeout time.Duration `env:"CHAT_REQUEST_TIMEOUT" envDefault:"10s"`
	ConnectWait    time.Duration `env:"CHAT_CONNECT_WAIT" envDefault:"5s"`

	MaxAttempts   int           `env:"CHAT_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	InitialDelay  time.Duration `env:"CHAT_RECONNECT_INITIAL_DELAY" envDefault:"1s"`
	MaxDelay      time.Duration `env:"CHAT_RECONNECT_MAX_DELAY" envDefault:"30s"`
	BackoffFactor float64       `env:"CHAT_RECONNECT_BACKOFF_FACTOR" envDefault:"2"`

	SendRate  float64 `env:"CHAT_SEND_RATE" envDefault:"5"`
	SendBurst int     `env:"CHAT_SEND_BURST" envDefault:"10"`

	LogLevel string `env:"CHAT_LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("CHAT_SERVER_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("CHAT_SERVER_URL must use ws or wss, got %q", u.Scheme)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CHAT_REQUEST_TIMEOUT must be greater than 0")
	}
	if c.ConnectWait <= 0 {
		return fmt.Errorf("CHAT_CONNECT_WAIT must be greater than 0")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("CHAT_RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.InitialDelay <= 0 || c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < CHAT_RECONNECT_INITIAL_DELAY <= CHAT_RECONNECT_MAX_DELAY")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("CHAT_RECONNECT_BACKOFF_FACTOR must be at least 1")
	}
	if c.SendRate < 0 || c.SendBurst < 0 {
		return fmt.Errorf("CHAT_SEND_RATE and CHAT_SEND_BURST must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level maps CHAT_LOG_LEVEL onto a slog level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("CHAT_LOG_LEVEL: %w", err)
	}
	return level, nil
}
