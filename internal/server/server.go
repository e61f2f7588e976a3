package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"imagerelay/internal/auth"
	"imagerelay/internal/observability/logging"
	"imagerelay/internal/observability/metrics"
	"imagerelay/internal/relay"
)

type Config struct {
	Addr      string
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	APIKeys   *auth.KeyRing
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
}

// New builds the router for handler and wraps it in the middleware chain.
func New(handler *relay.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("relay handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}
	if rl.usesStore() {
		handler.HealthChecks = append(handler.HealthChecks, relay.HealthCheck{Name: "rate_limiter", Check: rl.Ping})
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware(logger))
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", relay.ClientIP(r)}
		},
		DisableRemoteAddr: true,
	}))
	router.Use(metricsMiddleware(recorder))
	router.Use(securityHeadersMiddleware(cfg.Security))
	router.Use(corsMiddleware(policy, logger))
	router.Use(globalRateLimitMiddleware(rl, recorder))
	router.Use(middleware.Recoverer)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	router.Get("/healthz", handler.Health)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())

	router.Group(func(r chi.Router) {
		r.Use(clientRateLimitMiddleware(rl, recorder, logger))
		r.Use(apiKeyMiddleware(cfg.APIKeys))
		r.Post("/", handler.Root)
		r.Post("/hashAPI", handler.Hash)
		r.Post("/pixelAPI", handler.Pixels)
		r.Post("/redimensionaAPI", handler.Resize)
		r.Post("/comparaAPI", handler.Compare)
		r.Post("/filtroAPI", handler.Filter)
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the underlying server for lifecycle management.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Shutdown drains in-flight requests and closes the rate limit store.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.rateLimiter.Close(); closeErr != nil {
		s.logger.Warn("failed to close rate limit store", "error", closeErr)
	}
	return err
}

// metricsMiddleware labels requests by route pattern so that unknown paths do
// not create unbounded label sets.
func metricsMiddleware(recorder *metrics.Recorder) func(http.Handler) http.Handler {
	label := func(r *http.Request) string {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				return pattern
			}
		}
		return "unmatched"
	}
	return func(next http.Handler) http.Handler {
		return metrics.HTTPMiddlewareWithLabel(recorder, label, next)
	}
}

func globalRateLimitMiddleware(rl *rateLimiter, recorder *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowRequest() {
				recorder.ObserveRateLimited("global")
				writeError(w, http.StatusTooManyRequests, "global rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientRateLimitMiddleware(rl *rateLimiter, recorder *metrics.Recorder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := rl.AllowClient(r.Context(), relay.ClientIP(r))
			if err != nil {
				logging.FromContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				writeError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				recorder.ObserveRateLimited("client")
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(keys *auth.KeyRing) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !keys.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := keys.Verify(auth.ExtractKey(r)); err != nil {
				writeError(w, http.StatusUnauthorized, auth.ErrInvalidKey.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
