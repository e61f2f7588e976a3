package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTimeout = 2 * time.Second

const createTableSQL = `
CREATE TABLE IF NOT EXISTS relay_audit (
    id BIGSERIAL PRIMARY KEY,
    request_id TEXT NOT NULL,
    route TEXT NOT NULL,
    status INTEGER NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    files INTEGER NOT NULL,
    staged_bytes BIGINT NOT NULL,
    duration_ms BIGINT NOT NULL,
    remote_ip TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore persists audit entries to the relay_audit table.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresStoreOption customises a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithTimeout bounds every statement issued by the store.
func WithTimeout(timeout time.Duration) PostgresStoreOption {
	return func(s *PostgresStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewPostgresStore opens a pool for dsn and makes sure the audit table exists.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresStoreOption) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres audit dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres audit config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit pool: %w", err)
	}
	store := &PostgresStore{pool: pool, timeout: defaultPostgresTimeout}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the audit table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create relay_audit table: %w", err)
	}
	return nil
}

// Record inserts entry.
func (s *PostgresStore) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres audit pool not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO relay_audit (request_id, route, status, error_kind, files, staged_bytes, duration_ms, remote_ip, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, entry.RequestID, entry.Route, entry.Status, entry.ErrorKind, entry.Files, entry.StagedBytes, entry.Duration.Milliseconds(), entry.RemoteIP, at.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres audit pool not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx expires first.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
