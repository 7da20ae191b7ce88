package generation

import (
	"context"
	"time"
)

// JobFilter narrows Find queries.
type JobFilter struct {
	UserID   *string
	Statuses []JobStatus
	Limit    int
	Offset   int
}

// JobUpdate is a partial update applied to a stored job. Nil fields are
// left untouched.
type JobUpdate struct {
	Status      *JobStatus
	Progress    *Progress
	Error       *JobError
	Results     []Result
	Batch       *BatchPayload
	CompletedAt *time.Time
}

// QueueMetrics is a point-in-time snapshot derived from the store, never
// persisted itself.
type QueueMetrics struct {
	Pending           int64   `json:"pending"`
	Processing        int64   `json:"processing"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	AvgWaitMs         float64 `json:"avg_wait_ms"`
	AvgProcessingMs   float64 `json:"avg_processing_ms"`
	ThroughputPerHour int64   `json:"throughput_per_hour"`
}

// JobStore is the persistence contract the queue depends on. FindByID
// returns (nil, nil) when the job does not exist.
//
// ClaimJob is the compare-and-swap workers use to take ownership of a
// previewed job: it moves queued -> processing only if no other worker got
// there first, and reports whether the caller won.
//
// PromoteScheduledJob is the same shape for the pending -> queued
// transition of a due scheduled job. Concurrent promoters may read the
// same due job; exactly one wins, so the job enters the dispatch pool
// (and its job_queued fires) once.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	FindByID(ctx context.Context, id string) (*Job, error)
	Find(ctx context.Context, f JobFilter) ([]Job, error)
	Update(ctx context.Context, id string, upd JobUpdate) (*Job, error)
	Delete(ctx context.Context, id string) error

	GetNextPendingJobs(ctx context.Context, n int) ([]Job, error)
	GetScheduledJobs(ctx context.Context) ([]Job, error)
	GetProcessingJobs(ctx context.Context) ([]Job, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	PromoteScheduledJob(ctx context.Context, id string) (bool, error)

	GetQueueMetrics(ctx context.Context) (*QueueMetrics, error)
	CleanupCompletedJobs(ctx context.Context, olderThanDays int) (int64, error)
}
