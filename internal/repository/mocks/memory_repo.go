// Package mocks provides in-memory repository implementations for tests.
package mocks

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/repository"
)

// MemoryRepo is a thread-safe in-memory MemoryRepository. Vector search
// computes exact cosine similarity over all rows in the bucket.
type MemoryRepo struct {
	mu       sync.Mutex
	memories map[string]*domain.Memory
	audits   map[string][]domain.AuditLog

	// TouchErr, when set, is returned by TouchLastAccessed.
	TouchErr error
}

// NewMemoryRepo returns an empty in-memory repository.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		memories: make(map[string]*domain.Memory),
		audits:   make(map[string][]domain.AuditLog),
	}
}

// Seed inserts memories directly, bypassing audit bookkeeping.
func (r *MemoryRepo) Seed(memories ...domain.Memory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range memories {
		m := memories[i]
		r.memories[m.ID] = &m
	}
}

// All returns a snapshot of every stored memory.
func (r *MemoryRepo) All() []domain.Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Memory, 0, len(r.memories))
	for _, m := range r.memories {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepo) Create(ctx context.Context, m *domain.Memory, audit *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ContentHash != "" && m.ValidTo == nil {
		for _, existing := range r.memories {
			if existing.ValidTo == nil &&
				existing.UserID == m.UserID &&
				existing.Scope == m.Scope &&
				existing.AgentIDOrEmpty() == m.AgentIDOrEmpty() &&
				existing.ContentHash == m.ContentHash {
				return repository.ErrDuplicate
			}
		}
	}

	cp := *m
	r.memories[m.ID] = &cp
	if audit != nil {
		r.audits[m.ID] = append(r.audits[m.ID], *audit)
	}
	return nil
}

func (r *MemoryRepo) Supersede(ctx context.Context, oldID string, replacement *domain.Memory, audits []domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.memories[oldID]
	if !ok {
		return repository.ErrNotFound
	}
	if old.ValidTo != nil {
		return repository.ErrStale
	}

	vt := replacement.ValidFrom
	old.ValidTo = &vt
	old.UpdatedAt = vt

	cp := *replacement
	r.memories[replacement.ID] = &cp
	for _, a := range audits {
		r.audits[a.MemoryID] = append(r.audits[a.MemoryID], a)
	}
	return nil
}

func (r *MemoryRepo) FindByID(ctx context.Context, id string) (*domain.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.memories[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepo) FindByHash(ctx context.Context, userID string, scope domain.Scope, agentID *string, contentHash string) (*domain.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent := ""
	if agentID != nil {
		agent = *agentID
	}
	for _, m := range r.memories {
		if m.ValidTo == nil &&
			m.UserID == userID &&
			m.Scope == scope &&
			m.AgentIDOrEmpty() == agent &&
			m.ContentHash == contentHash {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepo) SearchSimilar(ctx context.Context, q repository.VectorQuery) ([]repository.ScoredMemory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent := ""
	if q.AgentID != nil {
		agent = *q.AgentID
	}

	var scored []repository.ScoredMemory
	for _, m := range r.memories {
		if m.UserID != q.UserID || m.Scope != q.Scope || m.AgentIDOrEmpty() != agent {
			continue
		}
		if !q.IncludeRetired && m.ValidTo != nil {
			continue
		}
		if q.MemoryType != nil && m.MemoryType != *q.MemoryType {
			continue
		}
		if m.Embedding == nil {
			continue
		}
		scored = append(scored, repository.ScoredMemory{
			Memory:     *m,
			Similarity: Cosine(q.Embedding, m.Embedding),
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if q.K > 0 && len(scored) > q.K {
		scored = scored[:q.K]
	}
	return scored, nil
}

func (r *MemoryRepo) Query(ctx context.Context, q repository.MemoryQuery) ([]domain.Memory, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor, err := repository.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	var matched []domain.Memory
	for _, m := range r.memories {
		if !matchesQuery(m, q) {
			continue
		}
		matched = append(matched, *m)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if cursor != nil {
		idx := 0
		for idx < len(matched) {
			m := matched[idx]
			if m.CreatedAt.Before(cursor.CreatedAt) ||
				(m.CreatedAt.Equal(cursor.CreatedAt) && m.ID < cursor.ID) {
				break
			}
			idx++
		}
		matched = matched[idx:]
	}

	limit := repository.EffectiveLimit(q.Limit)
	nextCursor := ""
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[limit-1]
		nextCursor = repository.EncodeCursor(last.CreatedAt, last.ID)
	}
	return matched, nextCursor, nil
}

func matchesQuery(m *domain.Memory, q repository.MemoryQuery) bool {
	if m.UserID != q.UserID {
		return false
	}
	if q.Scope != nil && m.Scope != *q.Scope {
		return false
	}
	if q.AgentID != nil && m.AgentIDOrEmpty() != *q.AgentID {
		return false
	}
	if q.MemoryType != nil && m.MemoryType != *q.MemoryType {
		return false
	}
	for _, tag := range q.Tags {
		found := false
		for _, have := range m.Tags {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Text != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(q.Text)) {
		return false
	}

	switch {
	case q.IncludeRetired:
	case q.ValidAt != nil:
		at := *q.ValidAt
		if m.ValidFrom.After(at) {
			return false
		}
		if m.ValidTo != nil && !m.ValidTo.After(at) {
			return false
		}
	default:
		if m.ValidTo != nil {
			return false
		}
	}

	if q.EventTimeFrom != nil && (m.EventTime == nil || m.EventTime.Before(*q.EventTimeFrom)) {
		return false
	}
	if q.EventTimeTo != nil && (m.EventTime == nil || !m.EventTime.Before(*q.EventTimeTo)) {
		return false
	}
	return true
}

func (r *MemoryRepo) Update(ctx context.Context, m *domain.Memory, audit *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.memories[m.ID]
	if !ok {
		return repository.ErrNotFound
	}
	existing.Content = m.Content
	existing.ContentHash = m.ContentHash
	if m.Embedding != nil {
		existing.Embedding = m.Embedding
	}
	existing.Tags = m.Tags
	existing.RelatedEntities = m.RelatedEntities
	existing.Importance = m.Importance
	existing.Confidence = m.Confidence
	existing.UpdatedAt = m.UpdatedAt

	if audit != nil {
		r.audits[m.ID] = append(r.audits[m.ID], *audit)
	}
	return nil
}

func (r *MemoryRepo) SoftDelete(ctx context.Context, id string, at time.Time, audit *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memories[id]
	if !ok || m.ValidTo != nil {
		return repository.ErrNotFound
	}
	m.ValidTo = &at
	m.UpdatedAt = at
	if audit != nil {
		r.audits[id] = append(r.audits[id], *audit)
	}
	return nil
}

func (r *MemoryRepo) HardDelete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.memories[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.memories, id)
	delete(r.audits, id)
	return nil
}

func (r *MemoryRepo) TouchLastAccessed(ctx context.Context, ids []string, at time.Time) error {
	if r.TouchErr != nil {
		return r.TouchErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if m, ok := r.memories[id]; ok {
			ts := at
			m.LastAccessed = &ts
		}
	}
	return nil
}

func (r *MemoryRepo) ListAudit(ctx context.Context, memoryID string) ([]domain.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logs := r.audits[memoryID]
	out := make([]domain.AuditLog, len(logs))
	copy(out, logs)
	return out, nil
}

func (r *MemoryRepo) Dump(ctx context.Context, userID string, fn func(domain.Memory) error) error {
	for _, m := range r.All() {
		if m.UserID != userID {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Cosine computes the cosine similarity between two vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
