// Package repository defines typed access to the memory store. Interfaces
// here are implemented by the postgres package and by in-memory fakes used
// in tests.
package repository

import (
	"context"
	"time"

	"cortex-backend/internal/domain"
)

// MemoryQuery is the structured filter for listing memories. Zero-valued
// fields are ignored. By default only current memories (valid_to IS NULL)
// match; ValidAt switches to point-in-time semantics and IncludeRetired
// disables temporal filtering entirely.
type MemoryQuery struct {
	UserID         string
	Scope          *domain.Scope
	AgentID        *string
	MemoryType     *domain.MemoryType
	Tags           []string
	Text           string
	ValidAt        *time.Time
	EventTimeFrom  *time.Time
	EventTimeTo    *time.Time
	IncludeRetired bool
	Limit          int
	Cursor         string
}

// VectorQuery is a nearest-neighbor search restricted to one
// (user, scope, agent) bucket.
type VectorQuery struct {
	UserID         string
	Scope          domain.Scope
	AgentID        *string
	MemoryType     *domain.MemoryType
	Embedding      []float32
	K              int
	IncludeRetired bool
}

// ScoredMemory pairs a memory with its cosine similarity to a query vector.
type ScoredMemory struct {
	Memory     domain.Memory
	Similarity float64
}

// MemoryRepository provides typed access to memories and their audit trail.
// Methods that take an audit record persist it atomically with the mutation.
type MemoryRepository interface {
	// Create inserts a new current memory together with its create audit row.
	Create(ctx context.Context, m *domain.Memory, audit *domain.AuditLog) error

	// Supersede retires the predecessor and inserts its replacement in one
	// transaction, locking the predecessor row to prevent lost updates.
	// The replacement must carry SupersedesID = old.ID and
	// ValidFrom = old's new ValidTo.
	Supersede(ctx context.Context, oldID string, replacement *domain.Memory, audits []domain.AuditLog) error

	FindByID(ctx context.Context, id string) (*domain.Memory, error)

	// FindByHash looks up a current memory in the dedup bucket.
	FindByHash(ctx context.Context, userID string, scope domain.Scope, agentID *string, contentHash string) (*domain.Memory, error)

	// SearchSimilar returns the K nearest neighbors by cosine similarity.
	SearchSimilar(ctx context.Context, q VectorQuery) ([]ScoredMemory, error)

	// Query lists memories matching the structured filter, newest first,
	// returning an opaque cursor for the next page.
	Query(ctx context.Context, q MemoryQuery) ([]domain.Memory, string, error)

	// Update persists a manual edit with its audit row.
	Update(ctx context.Context, m *domain.Memory, audit *domain.AuditLog) error

	// SoftDelete sets valid_to on a current memory.
	SoftDelete(ctx context.Context, id string, at time.Time, audit *domain.AuditLog) error

	// HardDelete removes the row; audit rows cascade.
	HardDelete(ctx context.Context, id string) error

	// TouchLastAccessed stamps last_accessed on the given memories.
	TouchLastAccessed(ctx context.Context, ids []string, at time.Time) error

	// ListAudit returns a memory's audit records, oldest first.
	ListAudit(ctx context.Context, memoryID string) ([]domain.AuditLog, error)

	// Dump streams every memory of a user to fn in creation order.
	Dump(ctx context.Context, userID string, fn func(domain.Memory) error) error
}

// JobRepository persists ingest job lifecycle state.
type JobRepository interface {
	Create(ctx context.Context, job *domain.IngestJob) error
	Get(ctx context.Context, jobID string) (*domain.IngestJob, error)

	// FindByIdempotencyKey returns the most recent job for
	// (user, idempotency key) received at or after since.
	FindByIdempotencyKey(ctx context.Context, userID, key string, since time.Time) (*domain.IngestJob, error)

	SetRunning(ctx context.Context, jobID string) error
	SetDone(ctx context.Context, jobID string, result *domain.IngestResult) error
	SetFailed(ctx context.Context, jobID string, message string) error

	// FailAbandoned marks every non-terminal job as failed. The in-memory
	// queue does not survive a restart, so jobs left accepted or running by
	// a previous process can never complete.
	FailAbandoned(ctx context.Context, message string) (int64, error)

	// DeleteTerminalBefore garbage-collects finished jobs older than cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pinger reports store reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
