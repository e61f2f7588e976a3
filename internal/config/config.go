// Package config loads relay settings from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables always take precedence over it. Command-line flags in
// cmd/relay are layered on top of the values returned here.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config holds every RELAY_* setting understood by the relay binary.
type Config struct {
	Addr            string        `env:"RELAY_ADDR" envDefault:":3000"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	TLSCert         string        `env:"RELAY_TLS_CERT"`
	TLSKey          string        `env:"RELAY_TLS_KEY"`

	DownstreamURL     string        `env:"RELAY_DOWNSTREAM_URL" envDefault:"http://localhost:5000"`
	DownstreamTimeout time.Duration `env:"RELAY_DOWNSTREAM_TIMEOUT" envDefault:"30s"`
	MaxInFlight       int64         `env:"RELAY_MAX_IN_FLIGHT" envDefault:"0"`

	StagingDir     string `env:"RELAY_STAGING_DIR" envDefault:"uploads"`
	MaxUploadBytes int64  `env:"RELAY_MAX_UPLOAD_BYTES" envDefault:"33554432"`

	LogLevel  string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RELAY_LOG_FORMAT" envDefault:"json"`

	RateGlobalRPS     float64       `env:"RELAY_RATE_GLOBAL_RPS"`
	RateGlobalBurst   int           `env:"RELAY_RATE_GLOBAL_BURST"`
	RateClientLimit   int           `env:"RELAY_RATE_CLIENT_LIMIT"`
	RateClientWindow  time.Duration `env:"RELAY_RATE_CLIENT_WINDOW" envDefault:"1m"`
	RateRedisAddr     string        `env:"RELAY_RATE_REDIS_ADDR"`
	RateRedisPassword string        `env:"RELAY_RATE_REDIS_PASSWORD"`
	RateRedisTimeout  time.Duration `env:"RELAY_RATE_REDIS_TIMEOUT" envDefault:"2s"`
	RateRedisCAFile   string        `env:"RELAY_RATE_REDIS_CA_FILE"`

	APIKeyHashes []string `env:"RELAY_API_KEYS" envSeparator:","`
	CORSOrigins  []string `env:"RELAY_CORS_ORIGINS" envSeparator:","`

	AuditPostgresDSN string `env:"RELAY_AUDIT_POSTGRES_DSN"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	return Parse()
}

// Parse parses the current environment into Config without touching .env.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.APIKeyHashes = compact(cfg.APIKeyHashes)
	cfg.CORSOrigins = compact(cfg.CORSOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would make the relay unusable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("listen address is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(c.DownstreamURL))
	if err != nil {
		return fmt.Errorf("parse downstream url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("downstream url must include scheme and host")
	}
	if c.DownstreamTimeout < 0 {
		return fmt.Errorf("downstream timeout must not be negative")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max in-flight must not be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if strings.TrimSpace(c.StagingDir) == "" {
		return fmt.Errorf("staging directory is required")
	}
	if (strings.TrimSpace(c.TLSCert) == "") != (strings.TrimSpace(c.TLSKey) == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
