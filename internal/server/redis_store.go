package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTLSConfig enables TLS to Redis, trusting the certificates in CAFile.
type RedisTLSConfig struct {
	CAFile     string
	ServerName string
}

type redisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

// redisStore implements a fixed window counter shared by every relay replica.
type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisStore(cfg redisStoreConfig) (*redisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	options := &redis.Options{
		Addr:             addr,
		Password:         cfg.Password,
		DialTimeout:      timeout,
		ReadTimeout:      timeout,
		WriteTimeout:     timeout,
		DisableIndentity: true,
	}
	if caFile := strings.TrimSpace(cfg.TLS.CAFile); caFile != "" {
		tlsConfig, err := loadRedisTLS(caFile, cfg.TLS.ServerName, addr)
		if err != nil {
			return nil, err
		}
		options.TLSConfig = tlsConfig
	}
	return &redisStore{client: redis.NewClient(options), timeout: timeout}, nil
}

func loadRedisTLS(caFile, serverName, addr string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read redis ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("redis ca file %s contains no certificates", caFile)
	}
	if serverName == "" {
		serverName = addr
		if idx := strings.LastIndex(addr, ":"); idx > 0 {
			serverName = addr[:idx]
		}
	}
	return &tls.Config{RootCAs: pool, ServerName: serverName, MinVersion: tls.VersionTLS12}, nil
}

// Allow counts one hit against key. The first hit in a window sets the
// expiry; once the count exceeds limit the remaining TTL is returned as the
// retry delay.
func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window.Truncate(time.Second)).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis ttl: %w", err)
	}
	if ttl <= 0 {
		return false, window, nil
	}
	return false, ttl, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
