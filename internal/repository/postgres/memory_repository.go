package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/repository"
)

// memoryColumns is the scan list shared by every read. The embedding itself
// is never read back; similarity is computed in SQL.
const memoryColumns = `id, user_id, scope, agent_id, content, content_hash, memory_type,
	tags, related_entities, importance, confidence, source, input_channel,
	event_time, valid_from, valid_to, supersedes_id, last_accessed, created_at, updated_at`

type memoryRepository struct {
	pool *pgxpool.Pool
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *memoryRepository) Create(ctx context.Context, m *domain.Memory, audit *domain.AuditLog) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if err := insertMemory(ctx, tx, m); err != nil {
		return err
	}
	if audit != nil {
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
	}

	return mapError(tx.Commit(ctx))
}

func (r *memoryRepository) Supersede(ctx context.Context, oldID string, replacement *domain.Memory, audits []domain.AuditLog) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	// Lock the predecessor so concurrent ingests targeting the same lineage
	// serialize here instead of both inserting a successor.
	var validTo *time.Time
	err = tx.QueryRow(ctx, `SELECT valid_to FROM memories WHERE id = $1 FOR UPDATE`, oldID).Scan(&validTo)
	if err != nil {
		return mapError(err)
	}
	if validTo != nil {
		return repository.ErrStale
	}

	_, err = tx.Exec(ctx,
		`UPDATE memories SET valid_to = $2, updated_at = $2 WHERE id = $1`,
		oldID, replacement.ValidFrom)
	if err != nil {
		return mapError(err)
	}

	if err := insertMemory(ctx, tx, replacement); err != nil {
		return err
	}
	for i := range audits {
		if err := insertAudit(ctx, tx, &audits[i]); err != nil {
			return err
		}
	}

	return mapError(tx.Commit(ctx))
}

func (r *memoryRepository) FindByID(ctx context.Context, id string) (*domain.Memory, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, mapError(err)
	}
	return m, nil
}

func (r *memoryRepository) FindByHash(ctx context.Context, userID string, scope domain.Scope, agentID *string, contentHash string) (*domain.Memory, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_id = $1 AND scope = $2 AND COALESCE(agent_id, '') = COALESCE($3, '')
		   AND content_hash = $4 AND valid_to IS NULL
		 LIMIT 1`,
		userID, string(scope), agentID, contentHash)
	m, err := scanMemory(row)
	if err != nil {
		return nil, mapError(err)
	}
	return m, nil
}

func (r *memoryRepository) SearchSimilar(ctx context.Context, q repository.VectorQuery) ([]repository.ScoredMemory, error) {
	vec := pgvector.NewVector(q.Embedding)

	conds := `user_id = $2 AND scope = $3 AND COALESCE(agent_id, '') = COALESCE($4, '')
		AND embedding IS NOT NULL`
	args := []any{vec, q.UserID, string(q.Scope), q.AgentID}
	if !q.IncludeRetired {
		conds += ` AND valid_to IS NULL`
	}
	if q.MemoryType != nil {
		args = append(args, string(*q.MemoryType))
		conds += fmt.Sprintf(` AND memory_type = $%d`, len(args))
	}
	args = append(args, q.K)

	sql := fmt.Sprintf(
		`SELECT %s, 1 - (embedding <=> $1) AS similarity
		 FROM memories
		 WHERE %s
		 ORDER BY embedding <=> $1
		 LIMIT $%d`, memoryColumns, conds, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var results []repository.ScoredMemory
	for rows.Next() {
		m, sim, err := scanScoredMemory(rows)
		if err != nil {
			return nil, mapError(err)
		}
		results = append(results, repository.ScoredMemory{Memory: *m, Similarity: sim})
	}
	return results, mapError(rows.Err())
}

func (r *memoryRepository) Query(ctx context.Context, q repository.MemoryQuery) ([]domain.Memory, string, error) {
	conds := []string{"user_id = $1"}
	args := []any{q.UserID}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Scope != nil {
		conds = append(conds, "scope = "+arg(string(*q.Scope)))
	}
	if q.AgentID != nil {
		conds = append(conds, "COALESCE(agent_id, '') = "+arg(*q.AgentID))
	}
	if q.MemoryType != nil {
		conds = append(conds, "memory_type = "+arg(string(*q.MemoryType)))
	}
	if len(q.Tags) > 0 {
		conds = append(conds, "tags @> "+arg(q.Tags))
	}
	if q.Text != "" {
		conds = append(conds, "content ILIKE "+arg("%"+q.Text+"%"))
	}

	switch {
	case q.IncludeRetired:
		// no temporal filter
	case q.ValidAt != nil:
		p := arg(*q.ValidAt)
		conds = append(conds, fmt.Sprintf("valid_from <= %s AND (valid_to IS NULL OR valid_to > %s)", p, p))
	default:
		conds = append(conds, "valid_to IS NULL")
	}

	if q.EventTimeFrom != nil {
		conds = append(conds, "event_time >= "+arg(*q.EventTimeFrom))
	}
	if q.EventTimeTo != nil {
		conds = append(conds, "event_time < "+arg(*q.EventTimeTo))
	}

	cursor, err := repository.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, "", err
	}
	if cursor != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(cursor.CreatedAt), arg(cursor.ID)))
	}

	limit := repository.EffectiveLimit(q.Limit)
	args = append(args, limit+1)

	sql := fmt.Sprintf(
		`SELECT %s FROM memories WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		memoryColumns, joinConds(conds), len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, "", mapError(err)
	}
	defer rows.Close()

	var memories []domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, "", mapError(err)
		}
		memories = append(memories, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapError(err)
	}

	nextCursor := ""
	if len(memories) > limit {
		memories = memories[:limit]
		last := memories[limit-1]
		nextCursor = repository.EncodeCursor(last.CreatedAt, last.ID)
	}
	return memories, nextCursor, nil
}

func (r *memoryRepository) Update(ctx context.Context, m *domain.Memory, audit *domain.AuditLog) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	var embedding any
	if m.Embedding != nil {
		embedding = pgvector.NewVector(m.Embedding)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE memories
		 SET content = $2, content_hash = $3, embedding = COALESCE($4, embedding),
		     tags = $5, related_entities = $6, importance = $7, confidence = $8,
		     updated_at = $9
		 WHERE id = $1`,
		m.ID, m.Content, nullIfEmpty(m.ContentHash), embedding,
		m.Tags, jsonOrNil(m.RelatedEntities), m.Importance, m.Confidence,
		m.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	if audit != nil {
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
	}
	return mapError(tx.Commit(ctx))
}

func (r *memoryRepository) SoftDelete(ctx context.Context, id string, at time.Time, audit *domain.AuditLog) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE memories SET valid_to = $2, updated_at = $2 WHERE id = $1 AND valid_to IS NULL`,
		id, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	if audit != nil {
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
	}
	return mapError(tx.Commit(ctx))
}

func (r *memoryRepository) HardDelete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *memoryRepository) TouchLastAccessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE memories SET last_accessed = $1 WHERE id = ANY($2)`, at, ids)
	return mapError(err)
}

func (r *memoryRepository) ListAudit(ctx context.Context, memoryID string) ([]domain.AuditLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, memory_id, action, actor_type, diff, created_at
		 FROM memory_audit_logs WHERE memory_id = $1 ORDER BY created_at ASC, id ASC`,
		memoryID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var logs []domain.AuditLog
	for rows.Next() {
		var entry domain.AuditLog
		var diff []byte
		if err := rows.Scan(&entry.ID, &entry.MemoryID, &entry.Action, &entry.ActorType, &diff, &entry.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &entry.Diff); err != nil {
				return nil, fmt.Errorf("decode audit diff: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, mapError(rows.Err())
}

func (r *memoryRepository) Dump(ctx context.Context, userID string, fn func(domain.Memory) error) error {
	rows, err := r.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 ORDER BY created_at ASC, id ASC`,
		userID)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return mapError(err)
		}
		if err := fn(*m); err != nil {
			return err
		}
	}
	return mapError(rows.Err())
}

func insertMemory(ctx context.Context, tx dbtx, m *domain.Memory) error {
	var embedding any
	if m.Embedding != nil {
		embedding = pgvector.NewVector(m.Embedding)
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO memories (
			id, user_id, scope, agent_id, content, content_hash, embedding,
			memory_type, tags, related_entities, importance, confidence,
			source, input_channel, event_time, valid_from, valid_to,
			supersedes_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		m.ID, m.UserID, string(m.Scope), m.AgentID, m.Content, nullIfEmpty(m.ContentHash), embedding,
		string(m.MemoryType), m.Tags, jsonOrNil(m.RelatedEntities), m.Importance, m.Confidence,
		nullIfEmpty(m.Source), nullIfEmpty(string(m.InputChannel)), m.EventTime, m.ValidFrom, m.ValidTo,
		m.SupersedesID, m.CreatedAt, m.UpdatedAt)
	return mapError(err)
}

func insertAudit(ctx context.Context, tx dbtx, a *domain.AuditLog) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO memory_audit_logs (id, memory_id, action, actor_type, diff, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.MemoryID, string(a.Action), string(a.ActorType), jsonOrNil(a.Diff), a.CreatedAt)
	return mapError(err)
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*domain.Memory, error) {
	var m domain.Memory
	var contentHash, source, inputChannel *string
	var entities []byte

	err := row.Scan(
		&m.ID, &m.UserID, &m.Scope, &m.AgentID, &m.Content, &contentHash, &m.MemoryType,
		&m.Tags, &entities, &m.Importance, &m.Confidence, &source, &inputChannel,
		&m.EventTime, &m.ValidFrom, &m.ValidTo, &m.SupersedesID, &m.LastAccessed,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if contentHash != nil {
		m.ContentHash = *contentHash
	}
	if source != nil {
		m.Source = *source
	}
	if inputChannel != nil {
		m.InputChannel = domain.InputChannel(*inputChannel)
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &m.RelatedEntities); err != nil {
			return nil, fmt.Errorf("decode related_entities: %w", err)
		}
	}
	return &m, nil
}

func scanScoredMemory(rows pgx.Rows) (*domain.Memory, float64, error) {
	var m domain.Memory
	var contentHash, source, inputChannel *string
	var entities []byte
	var similarity float64

	err := rows.Scan(
		&m.ID, &m.UserID, &m.Scope, &m.AgentID, &m.Content, &contentHash, &m.MemoryType,
		&m.Tags, &entities, &m.Importance, &m.Confidence, &source, &inputChannel,
		&m.EventTime, &m.ValidFrom, &m.ValidTo, &m.SupersedesID, &m.LastAccessed,
		&m.CreatedAt, &m.UpdatedAt, &similarity)
	if err != nil {
		return nil, 0, err
	}

	if contentHash != nil {
		m.ContentHash = *contentHash
	}
	if source != nil {
		m.Source = *source
	}
	if inputChannel != nil {
		m.InputChannel = domain.InputChannel(*inputChannel)
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &m.RelatedEntities); err != nil {
			return nil, 0, fmt.Errorf("decode related_entities: %w", err)
		}
	}
	return &m, similarity, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonOrNil(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

func joinConds(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}
