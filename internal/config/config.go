package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"remotedesk/host/internal/domain"
)

// Config holds the application configuration. Every field can be set from
// the environment; command-line flags override it in main.
type Config struct {
	// APIBase is the backend base URL. ENV: REMOTEDESK_API_BASE
	APIBase string `env:"REMOTEDESK_API_BASE,default=https://ruoshui.fun/api"`
	// SessionCode is joined as soon as the device is approved. ENV: REMOTEDESK_SESSION_CODE
	SessionCode string `env:"REMOTEDESK_SESSION_CODE"`
	// AllowControl lets the viewer inject input from the start. ENV: REMOTEDESK_ALLOW_CONTROL
	AllowControl bool `env:"REMOTEDESK_ALLOW_CONTROL,default=false"`

	ScreenIndex int `env:"REMOTEDESK_SCREEN,default=0"`
	FPS         int `env:"REMOTEDESK_FPS,default=30"`

	HeartbeatInterval  time.Duration `env:"REMOTEDESK_HEARTBEAT_INTERVAL,default=30s"`
	NegotiationTimeout time.Duration `env:"REMOTEDESK_NEGOTIATION_TIMEOUT,default=45s"`
	HTTPTimeout        time.Duration `env:"REMOTEDESK_HTTP_TIMEOUT,default=15s"`

	MaxPollFailures int           `env:"REMOTEDESK_MAX_POLL_FAILURES,default=5"`
	MaxReconnects   int           `env:"REMOTEDESK_MAX_RECONNECTS,default=3"`
	ReconnectDelay  time.Duration `env:"REMOTEDESK_RECONNECT_DELAY,default=2s"`
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values after environment and flags are applied.
func (c *Config) Validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("REMOTEDESK_API_BASE must not be empty")
	}
	if c.SessionCode != "" {
		if err := domain.ValidateCode(c.SessionCode); err != nil {
			return fmt.Errorf("session code must be %d digits: %w", domain.CodeLength, err)
		}
	}
	if c.ScreenIndex < 0 {
		return fmt.Errorf("screen index must not be negative, got %d", c.ScreenIndex)
	}
	if c.FPS < 1 || c.FPS > 120 {
		return fmt.Errorf("fps must be between 1 and 120, got %d", c.FPS)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat interval":  c.HeartbeatInterval,
		"negotiation timeout": c.NegotiationTimeout,
		"http timeout":        c.HTTPTimeout,
		"reconnect delay":     c.ReconnectDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must not be negative, got %d", c.MaxReconnects)
	}
	return nil
}
