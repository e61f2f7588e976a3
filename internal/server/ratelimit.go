package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig configures the global token bucket and the per-client
// limit applied to relay routes.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ClientLimit   int
	ClientWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
	RedisTLS      RedisTLSConfig
}

type rateLimiter struct {
	global        *tokenBucket
	clientLimit   int
	clientWindow  time.Duration
	clientMu      sync.Mutex
	clientBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		clientLimit:   cfg.ClientLimit,
		clientWindow:  cfg.ClientWindow,
		clientBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.clientLimit < 0 {
		rl.clientLimit = 0
	}
	if rl.clientWindow <= 0 {
		rl.clientWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.clientLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
			TLS:      cfg.RedisTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("configure redis rate limit store: %w", err)
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowClient applies the per-client limit to key, usually the client IP.
func (r *rateLimiter) AllowClient(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.clientLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("imagerelay:client:%s", key), r.clientLimit, r.clientWindow)
	}
	r.clientMu.Lock()
	bucket, exists := r.clientBuckets[key]
	if !exists {
		rate := float64(r.clientLimit) / r.clientWindow.Seconds()
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.clientLimit)}
		r.clientBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.clientMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, bucket.bucket.retryAfter(), nil
}

// Ping checks the shared store when one is configured.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) usesStore() bool {
	return r != nil && r.store != nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.clientBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.clientWindow)
	for key, bucket := range r.clientBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.clientBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}

// retryAfter estimates how long until the next token is available, rounded
// up to whole seconds.
func (tb *tokenBucket) retryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	wait := time.Duration(missing / tb.rate * float64(time.Second))
	if rounded := wait.Round(time.Second); rounded < wait {
		wait = rounded + time.Second
	} else {
		wait = rounded
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}
