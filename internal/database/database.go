// Package database is the relational store for sources, indicators,
// idempotency responses, and the dead-letter queue. Migrations run at
// startup; until they finish the store reports not-ready and the HTTP layer
// answers 503 on non-public routes.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the postgres connection pool.
type Store struct {
	db    *sql.DB
	ready atomic.Bool
}

// Open connects and verifies the database is reachable.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("database connected")
	return &Store{db: db}, nil
}

// Ready reports whether migrations have completed.
func (s *Store) Ready() bool {
	return s.ready.Load()
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations apply in order exactly once, tracked in schema_migrations.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL DEFAULT '',
		type            TEXT NOT NULL DEFAULT 'http',
		origin_type     TEXT NOT NULL DEFAULT 'unknown',
		collector       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'enabled',
		allowed_ips     TEXT[] NOT NULL DEFAULT '{}',
		max_eps         INTEGER NOT NULL DEFAULT 0,
		block_on_exceed BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen       TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS indicators (
		id         TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		kind       TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		key        TEXT PRIMARY KEY,
		status     INTEGER NOT NULL,
		body       BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idempotency_created_idx ON idempotency (created_at)`,
	`CREATE TABLE IF NOT EXISTS dlq (
		id            TEXT PRIMARY KEY,
		target        TEXT NOT NULL,
		payload       BYTEA NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		first_attempt TIMESTAMPTZ NOT NULL,
		last_attempt  TIMESTAMPTZ NOT NULL,
		next_eligible TIMESTAMPTZ NOT NULL,
		last_error    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS dlq_next_eligible_idx ON dlq (next_eligible)`,
}

// Migrate applies pending migrations and flips the ready flag.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		slog.Info("migration applied", "version", version)
	}

	s.ready.Store(true)
	return nil
}
