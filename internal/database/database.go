// Package database owns the Postgres connection pool and schema.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Schema is the Postgres DDL for jobs, templates and subscriptions.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	template_id TEXT NOT NULL,
	input_key TEXT NOT NULL,
	input_url TEXT NOT NULL,
	image_mappings JSONB,
	pair_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	result_key TEXT,
	result_url TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);

CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	file_key TEXT NOT NULL,
	file_url TEXT NOT NULL,
	slide_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_templates_owner ON templates(owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS subscriptions (
	owner_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	status TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the tables if needed. Having the migration in code
// keeps deployments self-contained; `slidefill migrate` runs it on demand.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ErrClosed is returned by Handle.Pool after Close.
var ErrClosed = errors.New("database handle closed")

// Handle connects lazily on first use and hands the same pool to every
// caller afterwards. A failed connect is retried on the next call.
type Handle struct {
	dsn     string
	migrate bool

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

// NewHandle returns a Handle for dsn. With migrate set the schema is ensured
// right after the first successful connect.
func NewHandle(dsn string, migrate bool) *Handle {
	return &Handle{dsn: dsn, migrate: migrate}
}

// Pool returns the shared pool, connecting if necessary.
func (h *Handle) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.pool != nil {
		return h.pool, nil
	}
	pool, err := Connect(ctx, h.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if h.migrate {
		if err := EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	h.pool = pool
	return pool, nil
}

// Close releases the pool. Later calls to Pool fail with ErrClosed.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.pool != nil {
		h.pool.Close()
		h.pool = nil
	}
}
