package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "webhook", "password",
}

type Config struct {
	Port                       int    `env:"PORT" envDefault:"8080"`
	DatabaseURL                string `env:"DATABASE_URL,required"`
	RedisURL                   string `env:"REDIS_URL" envDefault:""`
	ProviderBaseURL            string `env:"PROVIDER_BASE_URL,required"`
	ProviderAPIKey             string `env:"PROVIDER_API_KEY"`
	ProviderTimeoutSeconds     int    `env:"PROVIDER_TIMEOUT_SECONDS" envDefault:"10"`
	PublicBaseURL              string `env:"PUBLIC_BASE_URL" envDefault:""`
	WebhookSecret              string `env:"WEBHOOK_SECRET"`
	APITokenHash               string `env:"API_TOKEN_HASH"`
	PollIntervalMs             int    `env:"POLL_INTERVAL_MS" envDefault:"1500"`
	SweepIntervalSeconds       int    `env:"SWEEP_INTERVAL_SECONDS" envDefault:"30"`
	MaxPairingLifetimeSeconds  int    `env:"MAX_PAIRING_LIFETIME_SECONDS" envDefault:"0"`
	DisconnectedRetentionHours int    `env:"DISCONNECTED_RETENTION_HOURS" envDefault:"24"`
	PairingRateLimitPerMin     int    `env:"PAIRING_RATE_LIMIT_PER_MIN" envDefault:"10"`
	LogLevel                   string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// MaxPairingLifetime is zero when force-expiry of pending sessions is disabled.
func (c *Config) MaxPairingLifetime() time.Duration {
	return time.Duration(c.MaxPairingLifetimeSeconds) * time.Second
}

func (c *Config) DisconnectedRetention() time.Duration {
	return time.Duration(c.DisconnectedRetentionHours) * time.Hour
}

// WebhookURL is the push target registered with the provider for every new
// session. Empty when no public base URL is configured.
func (c *Config) WebhookURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicBaseURL, "/") + WebhookPath
}

func (c *Config) Validate(isProduction bool) error {
	if _, err := url.ParseRequestURI(c.ProviderBaseURL); err != nil {
		return fmt.Errorf("PROVIDER_BASE_URL must be an absolute URL: %w", err)
	}

	if c.PollIntervalMs < MinPollIntervalMs {
		return fmt.Errorf("POLL_INTERVAL_MS must be at least %d", MinPollIntervalMs)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.MaxPairingLifetimeSeconds < 0 {
		return fmt.Errorf("MAX_PAIRING_LIFETIME_SECONDS must not be negative")
	}

	if c.APITokenHash != "" {
		if !strings.HasPrefix(c.APITokenHash, "$2a$") &&
			!strings.HasPrefix(c.APITokenHash, "$2b$") &&
			!strings.HasPrefix(c.APITokenHash, "$2y$") {
			return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <token>)")
		}
	}

	if isProduction {
		if err := validateSecret("WEBHOOK_SECRET", c.WebhookSecret); err != nil {
			return err
		}
		if c.APITokenHash == "" {
			return fmt.Errorf("API_TOKEN_HASH is required in production")
		}
		if c.PublicBaseURL == "" {
			log.Warn().Msg("PUBLIC_BASE_URL is empty in production: provider push notifications will not be registered")
		}
		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: change notifications will not reach other instances")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
