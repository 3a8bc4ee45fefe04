package domain

import "time"

// JobStatus is the lifecycle state of an ingest job.
type JobStatus string

const (
	JobAccepted JobStatus = "accepted"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
)

// IsTerminal reports whether the job has finished.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed
}

// IngestResult summarizes what one ingest produced.
type IngestResult struct {
	CreatedCount int      `json:"created_count"`
	UpdatedCount int      `json:"updated_count"`
	SkippedCount int      `json:"skipped_count"`
	MemoryIDs    []string `json:"memory_ids"`
	Warnings     []string `json:"warnings,omitempty"`
}

// IngestJob is the persisted record of one asynchronous ingest request.
type IngestJob struct {
	JobID          string        `json:"job_id"`
	IdempotencyKey *string       `json:"idempotency_key,omitempty"`
	UserID         string        `json:"user_id"`
	Scope          Scope         `json:"scope"`
	AgentID        *string       `json:"agent_id,omitempty"`
	Status         JobStatus     `json:"status"`
	Result         *IngestResult `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	ReceivedAt     time.Time     `json:"received_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
