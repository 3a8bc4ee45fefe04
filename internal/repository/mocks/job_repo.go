package mocks

import (
	"context"
	"sync"
	"time"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/repository"
)

// JobRepo is a thread-safe in-memory JobRepository. Create enforces the
// same (user_id, idempotency_key) uniqueness as the postgres partial index.
type JobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.IngestJob

	// FindByIdempotencyKeyFn overrides the lookup when set. Tests use it to
	// model a lookup that races with a concurrent insert.
	FindByIdempotencyKeyFn func(ctx context.Context, userID, key string, since time.Time) (*domain.IngestJob, error)
}

// NewJobRepo returns an empty in-memory job repository.
func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[string]*domain.IngestJob)}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.IngestJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.IdempotencyKey != nil {
		for _, existing := range r.jobs {
			if existing.UserID == job.UserID &&
				existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey {
				return repository.ErrDuplicate
			}
		}
	}
	cp := *job
	r.jobs[job.JobID] = &cp
	return nil
}

func (r *JobRepo) Get(ctx context.Context, jobID string) (*domain.IngestJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, userID, key string, since time.Time) (*domain.IngestJob, error) {
	r.mu.Lock()
	if fn := r.FindByIdempotencyKeyFn; fn != nil {
		r.mu.Unlock()
		return fn(ctx, userID, key, since)
	}
	defer r.mu.Unlock()

	var best *domain.IngestJob
	for _, job := range r.jobs {
		if job.UserID != userID || job.IdempotencyKey == nil || *job.IdempotencyKey != key {
			continue
		}
		if job.ReceivedAt.Before(since) {
			continue
		}
		if best == nil || job.ReceivedAt.After(best.ReceivedAt) {
			best = job
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *JobRepo) SetRunning(ctx context.Context, jobID string) error {
	return r.update(jobID, func(job *domain.IngestJob) {
		job.Status = domain.JobRunning
	})
}

func (r *JobRepo) SetDone(ctx context.Context, jobID string, result *domain.IngestResult) error {
	return r.update(jobID, func(job *domain.IngestJob) {
		job.Status = domain.JobDone
		job.Result = result
		job.Error = ""
	})
}

func (r *JobRepo) SetFailed(ctx context.Context, jobID string, message string) error {
	return r.update(jobID, func(job *domain.IngestJob) {
		job.Status = domain.JobFailed
		job.Error = message
	})
}

func (r *JobRepo) FailAbandoned(ctx context.Context, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed int64
	for _, job := range r.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = domain.JobFailed
		job.Error = message
		job.UpdatedAt = time.Now().UTC()
		failed++
	}
	return failed, nil
}

func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, job := range r.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (r *JobRepo) update(jobID string, fn func(*domain.IngestJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	return nil
}
