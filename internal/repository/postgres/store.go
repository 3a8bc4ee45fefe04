// Package postgres implements the repository interfaces on PostgreSQL with
// the pgvector extension for approximate-nearest-neighbor search.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"cortex-backend/internal/repository"
)

// Store owns the shared connection pool. Handlers and workers share one
// Store; the pool cap bounds total database concurrency.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database and registers the pgvector codecs on
// every pooled connection.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Memories returns the memory repository backed by this store.
func (s *Store) Memories() repository.MemoryRepository {
	return &memoryRepository{pool: s.pool}
}

// Jobs returns the ingest job repository backed by this store.
func (s *Store) Jobs() repository.JobRepository {
	return &jobRepository{pool: s.pool}
}

// EnsureSchema creates the tables and indexes the service relies on. It is
// idempotent and safe to run at every startup; production deployments may
// manage the same DDL through migrations instead.
func (s *Store) EnsureSchema(ctx context.Context, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			scope            TEXT NOT NULL,
			agent_id         TEXT,
			content          TEXT NOT NULL,
			content_hash     TEXT,
			embedding        vector(%d),
			memory_type      TEXT NOT NULL,
			tags             TEXT[] NOT NULL DEFAULT '{}',
			related_entities JSONB,
			importance       INTEGER NOT NULL DEFAULT 3,
			confidence       DOUBLE PRECISION NOT NULL DEFAULT 0.7,
			source           TEXT,
			input_channel    TEXT,
			event_time       TIMESTAMPTZ,
			valid_from       TIMESTAMPTZ NOT NULL DEFAULT now(),
			valid_to         TIMESTAMPTZ,
			supersedes_id    TEXT REFERENCES memories(id) ON DELETE SET NULL,
			last_accessed    TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, embeddingDim),
		`CREATE UNIQUE INDEX IF NOT EXISTS memories_dedup_uq
			ON memories (user_id, scope, COALESCE(agent_id, ''), content_hash)
			WHERE content_hash IS NOT NULL AND valid_to IS NULL`,
		`CREATE INDEX IF NOT EXISTS memories_bucket_idx ON memories (user_id, scope, agent_id)`,
		`CREATE INDEX IF NOT EXISTS memories_valid_from_idx ON memories (valid_from)`,
		`CREATE INDEX IF NOT EXISTS memories_event_time_idx ON memories (event_time)`,
		`CREATE INDEX IF NOT EXISTS memories_tags_idx ON memories USING GIN (tags)`,
		`CREATE INDEX IF NOT EXISTS memories_entities_idx ON memories USING GIN (related_entities)`,
		`CREATE INDEX IF NOT EXISTS memories_embedding_idx
			ON memories USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE TABLE IF NOT EXISTS memory_audit_logs (
			id         TEXT PRIMARY KEY,
			memory_id  TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			action     TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			diff       JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS memory_audit_logs_memory_idx
			ON memory_audit_logs (memory_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ingest_jobs (
			job_id          TEXT PRIMARY KEY,
			idempotency_key TEXT,
			user_id         TEXT NOT NULL,
			scope           TEXT NOT NULL,
			agent_id        TEXT,
			status          TEXT NOT NULL,
			result          JSONB,
			error           TEXT,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ingest_jobs_idem_uq
			ON ingest_jobs (user_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repository.ErrDuplicate
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	return err
}
