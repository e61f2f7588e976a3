// Command relay starts the image processing relay HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"imagerelay/internal/audit"
	"imagerelay/internal/auth"
	"imagerelay/internal/config"
	"imagerelay/internal/observability/logging"
	"imagerelay/internal/observability/metrics"
	"imagerelay/internal/relay"
	"imagerelay/internal/server"
	"imagerelay/internal/serverutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	cfg, err = applyFlags(cfg, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

// run wires every component from cfg and blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	return runWithListener(ctx, cfg, logger, nil)
}

func runWithListener(ctx context.Context, cfg config.Config, logger *slog.Logger, onListen func(net.Addr)) error {
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	stager, err := relay.NewStager(cfg.StagingDir, logging.WithComponent(logger, "staging"), recorder)
	if err != nil {
		return err
	}
	downstream, err := relay.NewDownstream(relay.DownstreamConfig{
		BaseURL:     cfg.DownstreamURL,
		Timeout:     cfg.DownstreamTimeout,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logging.WithComponent(logger, "downstream"),
		Metrics:     recorder,
	})
	if err != nil {
		return err
	}

	handler := relay.NewHandler(relay.New(downstream, logger), stager, logger)
	handler.MaxUploadBytes = cfg.MaxUploadBytes
	handler.Metrics = recorder

	var cleanup []func(context.Context) error
	sinks := audit.Multi{audit.NewLogSink(logging.WithComponent(logger, "audit"))}
	if dsn := strings.TrimSpace(cfg.AuditPostgresDSN); dsn != "" {
		store, err := openAuditStore(ctx, dsn)
		if err != nil {
			return err
		}
		sinks = append(sinks, store)
		handler.HealthChecks = append(handler.HealthChecks, relay.HealthCheck{Name: "audit", Check: store.Ping})
		cleanup = append(cleanup, store.Close)
	}
	handler.Audit = sinks

	keys, err := auth.NewKeyRing(cfg.APIKeyHashes)
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Addr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.RateGlobalRPS,
			GlobalBurst:   cfg.RateGlobalBurst,
			ClientLimit:   cfg.RateClientLimit,
			ClientWindow:  cfg.RateClientWindow,
			RedisAddr:     cfg.RateRedisAddr,
			RedisPassword: cfg.RateRedisPassword,
			RedisTimeout:  cfg.RateRedisTimeout,
			RedisTLS:      server.RedisTLSConfig{CAFile: cfg.RateRedisCAFile},
		},
		CORS:    server.CORSConfig{Origins: cfg.CORSOrigins},
		APIKeys: keys,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return err
	}

	logger.Info("relay listening", startupSummary(cfg)...)
	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		ShutdownTimeout: cfg.ShutdownTimeout,
		OnListen:        onListen,
		Shutdown:        srv.Shutdown,
		Cleanup:         cleanup,
	})
}

func openAuditStore(ctx context.Context, dsn string) (*audit.PostgresStore, error) {
	store, err := audit.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close(context.Background())
		return nil, fmt.Errorf("prepare audit schema: %w", err)
	}
	return store, nil
}

// applyFlags overrides cfg with any flags present in args. Zero-valued flags
// leave the environment value in place.
func applyFlags(cfg config.Config, args []string) (config.Config, error) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address")
	downstreamURL := fs.String("downstream-url", "", "base URL of the processing service")
	downstreamTimeout := fs.Duration("downstream-timeout", 0, "timeout for a single downstream call")
	maxInFlight := fs.Int("max-in-flight", 0, "maximum concurrent downstream calls (0 is unbounded)")
	stagingDir := fs.String("staging-dir", "", "directory for staged uploads")
	maxUpload := fs.Int64("max-upload-bytes", 0, "maximum request body size")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	clientLimit := fs.Int("rate-client-limit", 0, "relay calls allowed per client per window")
	clientWindow := fs.Duration("rate-client-window", 0, "window for the per-client limit")
	redisAddr := fs.String("rate-redis-addr", "", "Redis address for the shared per-client limit")
	redisPassword := fs.String("rate-redis-password", "", "Redis password")
	redisTimeout := fs.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	redisCA := fs.String("rate-redis-tls-ca", "", "path to Redis TLS CA certificate")
	apiKeys := fs.String("api-keys", "", "comma separated API key hashes")
	corsOrigins := fs.String("cors-origins", "", "comma separated allowed CORS origins")
	auditDSN := fs.String("audit-postgres-dsn", "", "Postgres DSN for the audit log")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Addr = firstNonEmpty(*addr, cfg.Addr)
	cfg.DownstreamURL = firstNonEmpty(*downstreamURL, cfg.DownstreamURL)
	cfg.DownstreamTimeout = resolveDuration(*downstreamTimeout, cfg.DownstreamTimeout)
	cfg.MaxInFlight = int64(resolveInt(*maxInFlight, int(cfg.MaxInFlight)))
	cfg.StagingDir = firstNonEmpty(*stagingDir, cfg.StagingDir)
	if *maxUpload > 0 {
		cfg.MaxUploadBytes = *maxUpload
	}
	cfg.TLSCert = firstNonEmpty(*tlsCert, cfg.TLSCert)
	cfg.TLSKey = firstNonEmpty(*tlsKey, cfg.TLSKey)
	cfg.LogLevel = firstNonEmpty(*logLevel, cfg.LogLevel)
	cfg.LogFormat = firstNonEmpty(*logFormat, cfg.LogFormat)
	cfg.ShutdownTimeout = resolveDuration(*shutdownTimeout, cfg.ShutdownTimeout)
	cfg.RateGlobalRPS = resolveFloat(*globalRPS, cfg.RateGlobalRPS)
	cfg.RateGlobalBurst = resolveInt(*globalBurst, cfg.RateGlobalBurst)
	cfg.RateClientLimit = resolveInt(*clientLimit, cfg.RateClientLimit)
	cfg.RateClientWindow = resolveDuration(*clientWindow, cfg.RateClientWindow)
	cfg.RateRedisAddr = firstNonEmpty(*redisAddr, cfg.RateRedisAddr)
	cfg.RateRedisPassword = firstNonEmpty(*redisPassword, cfg.RateRedisPassword)
	cfg.RateRedisTimeout = resolveDuration(*redisTimeout, cfg.RateRedisTimeout)
	cfg.RateRedisCAFile = firstNonEmpty(*redisCA, cfg.RateRedisCAFile)
	if keys := splitAndTrim(*apiKeys); len(keys) > 0 {
		cfg.APIKeyHashes = keys
	}
	if origins := splitAndTrim(*corsOrigins); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	cfg.AuditPostgresDSN = firstNonEmpty(*auditDSN, cfg.AuditPostgresDSN)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// startupSummary lists the effective settings without secrets.
func startupSummary(cfg config.Config) []any {
	rateStore := "memory"
	if cfg.RateRedisAddr != "" {
		rateStore = "redis"
	}
	auditSink := "log"
	if cfg.AuditPostgresDSN != "" {
		auditSink = "log+postgres"
	}
	return []any{
		"addr", cfg.Addr,
		"downstream", cfg.DownstreamURL,
		"downstream_timeout", cfg.DownstreamTimeout.String(),
		"max_in_flight", cfg.MaxInFlight,
		"staging_dir", cfg.StagingDir,
		"max_upload_bytes", cfg.MaxUploadBytes,
		"tls", cfg.TLSCert != "",
		"rate_limit", map[string]any{
			"global_rps":    cfg.RateGlobalRPS,
			"client_limit":  cfg.RateClientLimit,
			"client_window": cfg.RateClientWindow.String(),
			"store":         rateStore,
		},
		"api_keys", len(cfg.APIKeyHashes),
		"cors_origins", len(cfg.CORSOrigins),
		"audit", auditSink,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	return fallback
}

func resolveInt(flagValue, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	return fallback
}

func resolveDuration(flagValue, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return fallback
}
