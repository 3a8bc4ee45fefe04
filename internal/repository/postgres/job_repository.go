package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/repository"
)

type jobRepository struct {
	pool *pgxpool.Pool
}

const jobColumns = `job_id, idempotency_key, user_id, scope, agent_id, status, result, error, received_at, updated_at`

func (r *jobRepository) Create(ctx context.Context, job *domain.IngestJob) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ingest_jobs (job_id, idempotency_key, user_id, scope, agent_id, status, received_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		job.JobID, job.IdempotencyKey, job.UserID, string(job.Scope), job.AgentID,
		string(job.Status), job.ReceivedAt, job.UpdatedAt)
	return mapError(err)
}

func (r *jobRepository) Get(ctx context.Context, jobID string) (*domain.IngestJob, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingest_jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func (r *jobRepository) FindByIdempotencyKey(ctx context.Context, userID, key string, since time.Time) (*domain.IngestJob, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingest_jobs
		 WHERE user_id = $1 AND idempotency_key = $2 AND received_at >= $3
		 ORDER BY received_at DESC LIMIT 1`,
		userID, key, since)
	return scanJob(row)
}

func (r *jobRepository) SetRunning(ctx context.Context, jobID string) error {
	return r.setStatus(ctx, jobID,
		`UPDATE ingest_jobs SET status = 'running', updated_at = now() WHERE job_id = $1`)
}

func (r *jobRepository) SetDone(ctx context.Context, jobID string, result *domain.IngestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = 'done', result = $2, error = NULL, updated_at = now() WHERE job_id = $1`,
		jobID, data)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *jobRepository) SetFailed(ctx context.Context, jobID string, message string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = 'failed', error = $2, updated_at = now() WHERE job_id = $1`,
		jobID, message)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *jobRepository) FailAbandoned(ctx context.Context, message string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE ingest_jobs SET status = 'failed', error = $1, updated_at = now()
		 WHERE status IN ('accepted', 'running')`, message)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *jobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM ingest_jobs WHERE status IN ('done', 'failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *jobRepository) setStatus(ctx context.Context, jobID, sql string) error {
	tag, err := r.pool.Exec(ctx, sql, jobID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (*domain.IngestJob, error) {
	var job domain.IngestJob
	var result []byte
	var errMsg *string

	err := row.Scan(&job.JobID, &job.IdempotencyKey, &job.UserID, &job.Scope, &job.AgentID,
		&job.Status, &result, &errMsg, &job.ReceivedAt, &job.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}

	if errMsg != nil {
		job.Error = *errMsg
	}
	if len(result) > 0 {
		job.Result = &domain.IngestResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
	}
	return &job, nil
}
