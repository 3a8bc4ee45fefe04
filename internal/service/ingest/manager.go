// Package ingest runs asynchronous analyze-and-ingest jobs: a bounded queue,
// a fixed worker pool, and per-user FIFO execution.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/repository"
	memorysvc "cortex-backend/internal/service/memory"
	appErrors "cortex-backend/pkg/errors"
)

// Processor is the slice of the memory manager the workers invoke.
type Processor interface {
	ProcessText(ctx context.Context, in memorysvc.IngestInput) (*domain.IngestResult, error)
}

// Config carries the job manager tunables.
type Config struct {
	WorkerPoolSize     int
	QueueCapacity      int
	PerUserConcurrency int
	JobTimeout         time.Duration
	IdempotencyWindow  time.Duration
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// GCInterval is how often terminal jobs past the idempotency window are
	// swept. Zero disables the sweeper.
	GCInterval time.Duration
}

// AcceptInput is one enqueue request.
type AcceptInput struct {
	UserID         string
	Text           string
	Source         string
	Scope          domain.Scope
	AgentID        *string
	EventTime      *time.Time
	Channel        domain.InputChannel
	IdempotencyKey string
}

// Manager accepts ingest jobs and executes them on a worker pool. Jobs for
// the same user run in submission order with bounded concurrency; distinct
// users run in parallel up to the pool size.
type Manager struct {
	jobs      repository.JobRepository
	processor Processor
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	queues map[string][]*queuedJob
	active map[string]int

	slots    chan struct{}
	dispatch chan string
	wg       sync.WaitGroup
	stopped  atomic.Bool
	done     chan struct{}
}

type queuedJob struct {
	job   *domain.IngestJob
	input memorysvc.IngestInput
}

// Option customizes the manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the job manager. Call Start before Accept.
func NewManager(jobs repository.JobRepository, processor Processor, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.PerUserConcurrency <= 0 {
		cfg.PerUserConcurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 24 * time.Hour
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	m := &Manager{
		jobs:      jobs,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		queues:    make(map[string][]*queuedJob),
		active:    make(map[string]int),
		slots:     make(chan struct{}, cfg.QueueCapacity),
		dispatch:  make(chan string, cfg.QueueCapacity),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start fails jobs orphaned by a previous process, then launches the worker
// pool and the terminal-job sweeper.
func (m *Manager) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	failed, err := m.jobs.FailAbandoned(ctx, "abandoned: process restarted before completion")
	cancel()
	if err != nil {
		m.logger.Warn("fail abandoned jobs", zap.Error(err))
	} else if failed > 0 {
		m.logger.Info("failed abandoned jobs from previous run", zap.Int64("count", failed))
	}

	for i := 0; i < m.cfg.WorkerPoolSize; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	if m.cfg.GCInterval > 0 {
		m.wg.Add(1)
		go m.sweeper()
	}
}

// Stop rejects new jobs, waits for in-flight ones to finish, and fails the
// jobs still queued so pollers never see a job that can no longer run.
func (m *Manager) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	close(m.done)
	m.wg.Wait()
	m.failQueued()
}

func (m *Manager) failQueued() {
	m.mu.Lock()
	var orphans []*queuedJob
	for _, queue := range m.queues {
		orphans = append(orphans, queue...)
	}
	m.queues = make(map[string][]*queuedJob)
	m.active = make(map[string]int)
	m.mu.Unlock()

	for _, qj := range orphans {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.jobs.SetFailed(ctx, qj.job.JobID, "shut down before execution")
		cancel()
		if err != nil {
			m.logger.Error("fail queued job at shutdown",
				zap.String("job_id", qj.job.JobID), zap.Error(err))
		}
	}
}

// Accept validates and enqueues a job, returning immediately. When the queue
// is full the call blocks until a slot frees or the request deadline fires,
// then fails with resource_exhausted. A repeated idempotency key within the
// retention window returns the original job instead of enqueueing.
func (m *Manager) Accept(ctx context.Context, in AcceptInput) (*domain.IngestJob, error) {
	if m.stopped.Load() {
		return nil, appErrors.NewUnavailable("ingest is shutting down", nil)
	}
	if err := domain.ValidateScope(in.Scope, in.AgentID); err != nil {
		return nil, err
	}
	if in.UserID == "" {
		return nil, appErrors.NewInvalidArgument("user_id is required")
	}
	if in.Text == "" {
		return nil, appErrors.NewInvalidArgument("text is required")
	}

	now := m.now()
	if in.IdempotencyKey != "" {
		existing, err := m.jobs.FindByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey, now.Add(-m.cfg.IdempotencyWindow))
		if err == nil {
			return existing, nil
		}
		if !repository.IsNotFound(err) {
			return nil, appErrors.NewInternal("idempotency lookup", err)
		}
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, appErrors.NewResourceExhausted("ingest queue is full")
	case <-m.done:
		return nil, appErrors.NewUnavailable("ingest is shutting down", nil)
	}

	job := &domain.IngestJob{
		JobID:      uuid.New().String(),
		UserID:     in.UserID,
		Scope:      in.Scope,
		AgentID:    in.AgentID,
		Status:     domain.JobAccepted,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		job.IdempotencyKey = &key
	}

	if err := m.jobs.Create(ctx, job); err != nil {
		<-m.slots
		// A concurrent request with the same key inserted first; return its
		// job, exactly as if the initial lookup had found it.
		if in.IdempotencyKey != "" && repository.IsDuplicate(err) {
			existing, lookupErr := m.jobs.FindByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey, now.Add(-m.cfg.IdempotencyWindow))
			if lookupErr == nil {
				return existing, nil
			}
			return nil, appErrors.NewInternal("idempotency lookup after duplicate insert", lookupErr)
		}
		return nil, appErrors.NewInternal("persist job", err)
	}

	m.enqueue(in.UserID, &queuedJob{
		job: job,
		input: memorysvc.IngestInput{
			UserID:    in.UserID,
			Text:      in.Text,
			Source:    in.Source,
			Scope:     in.Scope,
			AgentID:   in.AgentID,
			EventTime: in.EventTime,
			Channel:   in.Channel,
		},
	})
	return job, nil
}

// Get returns job status for polling.
func (m *Manager) Get(ctx context.Context, jobID string) (*domain.IngestJob, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, appErrors.NewNotFound("job not found: " + jobID)
		}
		return nil, appErrors.NewInternal("load job", err)
	}
	return job, nil
}

func (m *Manager) enqueue(userID string, qj *queuedJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues[userID] = append(m.queues[userID], qj)
	if m.active[userID] < m.cfg.PerUserConcurrency {
		m.active[userID]++
		m.dispatch <- userID
	}
}

// worker drains one user's queue at a time, preserving per-user order.
func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case userID := <-m.dispatch:
			m.drainUser(userID)
		}
	}
}

func (m *Manager) drainUser(userID string) {
	for {
		m.mu.Lock()
		queue := m.queues[userID]
		if len(queue) == 0 {
			m.active[userID]--
			if m.active[userID] <= 0 {
				delete(m.active, userID)
				delete(m.queues, userID)
			}
			m.mu.Unlock()
			return
		}
		qj := queue[0]
		m.queues[userID] = queue[1:]
		m.mu.Unlock()

		m.run(qj)
		<-m.slots
	}
}

// run executes one job with the wall-clock cap, retrying transient failures
// with exponential backoff.
func (m *Manager) run(qj *queuedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	defer cancel()

	jobID := qj.job.JobID
	if err := m.jobs.SetRunning(ctx, jobID); err != nil {
		m.logger.Error("mark job running", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	var result *domain.IngestResult
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			delay := m.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				err = appErrors.NewTimeout("job exceeded wall-clock cap")
			}
			if ctx.Err() != nil {
				break
			}
		}

		result, err = m.processor.ProcessText(ctx, qj.input)
		if err == nil || !appErrors.IsRetryable(err) {
			break
		}
		m.logger.Warn("transient ingest failure, retrying",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if err != nil {
		m.logger.Error("ingest job failed", zap.String("job_id", jobID), zap.Error(err))
		if setErr := m.jobs.SetFailed(context.Background(), jobID, err.Error()); setErr != nil {
			m.logger.Error("mark job failed", zap.String("job_id", jobID), zap.Error(setErr))
		}
		return
	}

	if setErr := m.jobs.SetDone(context.Background(), jobID, result); setErr != nil {
		m.logger.Error("mark job done", zap.String("job_id", jobID), zap.Error(setErr))
	}
}

// sweeper garbage-collects terminal jobs past the idempotency window.
func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := m.jobs.DeleteTerminalBefore(ctx, m.now().Add(-m.cfg.IdempotencyWindow))
			cancel()
			if err != nil {
				m.logger.Warn("job sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				m.logger.Info("swept terminal jobs", zap.Int64("removed", removed))
			}
		}
	}
}
