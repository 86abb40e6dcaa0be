package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Path of the provider push endpoint.
const WebhookPath = "/provider/webhook"

// Pairing engine timing
const (
	MinPollIntervalMs = 250
	// SetupTaskTimeout bounds each best-effort setup call made after creation.
	SetupTaskTimeout = 15 * time.Second
	// CleanupTimeout bounds one detached cleanup pass.
	CleanupTimeout = 30 * time.Second
	SweepTimeout   = 30 * time.Second
)

// Rate limiting
const DefaultPairingRateLimitPerMin = 10
