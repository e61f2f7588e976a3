package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"imagerelay/internal/testsupport/redisstub"
)

func TestRedisStoreAllowPlain(t *testing.T) {
	runRedisStoreIntegration(t, false)
}

func TestRedisStoreAllowTLS(t *testing.T) {
	runRedisStoreIntegration(t, true)
}

func runRedisStoreIntegration(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	cfg := redisStoreConfig{
		Addr:     srv.Addr(),
		Password: "secret",
		Timeout:  time.Second,
	}
	if useTLS {
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca: %v", err)
		}
		cfg.TLS = RedisTLSConfig{CAFile: caPath}
	}
	store, err := newRedisStore(cfg)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	const key = "imagerelay:client:203.0.113.5"
	for i := 0; i < 2; i++ {
		allowed, retry, err := store.Allow(ctx, key, 2, 10*time.Second)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("allow %d unexpected: allowed=%v retry=%v err=%v", i+1, allowed, retry, err)
		}
	}
	allowed, retry, err := store.Allow(ctx, key, 2, 10*time.Second)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected third hit in the window to be rejected")
	}
	if retry <= 0 || retry > 10*time.Second {
		t.Fatalf("unexpected retry delay %v", retry)
	}
}

func TestRedisStoreRejectsWrongPassword(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	store, err := newRedisStore(redisStoreConfig{Addr: srv.Addr(), Password: "wrong", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if _, _, err := store.Allow(context.Background(), "imagerelay:client:x", 1, time.Second); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestNewRedisStoreValidatesConfig(t *testing.T) {
	if _, err := newRedisStore(redisStoreConfig{}); err == nil {
		t.Fatal("expected error for empty address")
	}
	missing := filepath.Join(t.TempDir(), "missing.pem")
	if _, err := newRedisStore(redisStoreConfig{Addr: "127.0.0.1:6379", TLS: RedisTLSConfig{CAFile: missing}}); err == nil {
		t.Fatal("expected error for unreadable CA file")
	}
}
