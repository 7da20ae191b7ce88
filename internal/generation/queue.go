package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Config tunes queue admission and reconciliation.
type Config struct {
	// MaxQueueSize caps the number of dispatchable jobs. Enqueue rejects
	// new work once the pending pool reaches it.
	MaxQueueSize int

	// StaleAfter is how long a processing job may go without an update
	// before ProcessStaleJobs declares its worker dead.
	StaleAfter time.Duration
}

const (
	DefaultMaxQueueSize = 100
	DefaultStaleAfter   = 30 * time.Minute
)

// Queue owns admission control, ordering, and every job lifecycle write.
// Construct one per process and hand it to handlers and workers; there is
// no package-level instance.
type Queue struct {
	store  JobStore
	pub    Publisher
	cfg    Config
	logger *slog.Logger
}

func NewQueue(store JobStore, pub Publisher, cfg Config, logger *slog.Logger) *Queue {
	if pub == nil {
		pub = NopPublisher{}
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, pub: pub, cfg: cfg, logger: logger}
}

// EnqueueRequest describes one job to admit. Exactly one payload field must
// be set, matching Type. Priority defaults to normal.
type EnqueueRequest struct {
	UserID      *string
	Type        JobType
	Priority    Priority
	ScheduledAt *time.Time

	Single    *SinglePayload
	Character *CharacterPayload
	Batch     *BatchPayload
}

func (req *EnqueueRequest) validate() error {
	switch req.Type {
	case TypeSingle:
		if req.Single == nil || req.Character != nil || req.Batch != nil {
			return ErrInvalidRequest
		}
	case TypeCharacter:
		if req.Character == nil || req.Single != nil || req.Batch != nil {
			return ErrInvalidRequest
		}
	case TypeBatch:
		if req.Batch == nil || req.Single != nil || req.Character != nil {
			return ErrInvalidRequest
		}
		if len(req.Batch.Requests) == 0 {
			return ErrEmptyBatch
		}
		if len(req.Batch.Requests) > MaxBatchRequests {
			return ErrBatchTooLarge
		}
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, req.Type)
	}
	return nil
}

// Enqueue validates the request, checks capacity, persists the job and
// returns its id. Jobs without a future ScheduledAt move straight to
// queued; scheduled jobs stay pending until GetNextJobs promotes them.
//
// Event ordering: job_created always fires before job_queued, and scheduled
// jobs defer job_queued until promotion.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	// Shape checks run before admission control so a malformed batch never
	// counts against capacity.
	if err := req.validate(); err != nil {
		return "", err
	}

	metrics, err := q.store.GetQueueMetrics(ctx)
	if err != nil {
		return "", fmt.Errorf("queue metrics: %w", err)
	}
	if metrics.Pending >= int64(q.cfg.MaxQueueSize) {
		return "", ErrQueueFull
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, priority)
	}

	job := &Job{
		ID:           NewJobID(),
		UserID:       req.UserID,
		Type:         req.Type,
		Status:       StatusPending,
		Priority:     priority,
		PriorityRank: priority.Rank(),
		Single:       req.Single,
		Character:    req.Character,
		Batch:        req.Batch,
		ScheduledAt:  req.ScheduledAt,
	}
	if job.Batch != nil {
		if job.Batch.BatchID == "" {
			job.Batch.BatchID = uuid.NewString()
		}
		job.Batch.TotalRequests = len(job.Batch.Requests)
	}

	if err := q.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	q.emit(ctx, Event{Type: EventJobCreated, JobID: job.ID, Timestamp: time.Now()})

	if req.ScheduledAt == nil || !req.ScheduledAt.After(time.Now()) {
		queued := StatusQueued
		if _, err := q.store.Update(ctx, job.ID, JobUpdate{Status: &queued}); err != nil {
			return "", fmt.Errorf("queue job: %w", err)
		}
		q.emit(ctx, Event{Type: EventJobQueued, JobID: job.ID, Timestamp: time.Now()})
	}

	return job.ID, nil
}

// GetJob returns the job or nil when it does not exist; absence is not an
// error.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.FindByID(ctx, id)
}

// CancelJob cancels a pending job on behalf of its owner. Jobs stored
// without a user are never cancellable through this path; only an exact
// owner match passes. Anything past pending (queued, processing, terminal)
// returns ErrNotCancellable: cancellation is a state check, not a live
// interruption.
func (q *Queue) CancelJob(ctx context.Context, jobID, userID string) (bool, error) {
	job, err := q.store.FindByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, ErrJobNotFound
	}
	if job.UserID == nil || *job.UserID != userID {
		return false, ErrNotOwner
	}
	if job.Status != StatusPending {
		return false, ErrNotCancellable
	}

	cancelled := StatusCancelled
	now := time.Now()
	if _, err := q.store.Update(ctx, jobID, JobUpdate{Status: &cancelled, CompletedAt: &now}); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateJob applies a partial update. Any terminal status gets CompletedAt
// stamped here when the caller did not supply one, so workers never compute
// it themselves. Lifecycle events fire for status and progress changes.
func (q *Queue) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) (*Job, error) {
	if upd.Status != nil && upd.Status.Terminal() && upd.CompletedAt == nil {
		now := time.Now()
		upd.CompletedAt = &now
	}

	job, err := q.store.Update(ctx, jobID, upd)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if upd.Status != nil {
		switch *upd.Status {
		case StatusProcessing:
			q.emit(ctx, Event{Type: EventJobStarted, JobID: jobID, Timestamp: now})
		case StatusCompleted:
			q.emit(ctx, Event{Type: EventJobCompleted, JobID: jobID, Timestamp: now})
		case StatusFailed:
			q.emit(ctx, Event{Type: EventJobFailed, JobID: jobID, Timestamp: now})
		}
	} else if upd.Progress != nil {
		q.emit(ctx, Event{Type: EventJobProgress, JobID: jobID, Timestamp: now, Progress: upd.Progress})
	}

	return job, nil
}

// GetNextJobs previews up to n dispatchable jobs in priority order. Phase
// one promotes due scheduled jobs into the dispatch pool (emitting their
// deferred job_queued); phase two reads the ordered pool.
//
// The returned jobs are NOT claimed. Callers must win ClaimJob before
// doing work; the snapshot does not serialize against concurrent enqueues.
func (q *Queue) GetNextJobs(ctx context.Context, n int) ([]Job, error) {
	due, err := q.store.GetScheduledJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduled jobs: %w", err)
	}
	for _, j := range due {
		// Concurrent callers race on the same due jobs; the conditional
		// write picks one winner so job_queued fires once per job.
		promoted, err := q.store.PromoteScheduledJob(ctx, j.ID)
		if err != nil {
			q.logger.Error("promote scheduled job", "job_id", j.ID, "err", err)
			continue
		}
		if !promoted {
			continue
		}
		q.emit(ctx, Event{Type: EventJobQueued, JobID: j.ID, Timestamp: time.Now()})
	}

	return q.store.GetNextPendingJobs(ctx, n)
}

// ClaimJob atomically takes ownership of a previewed job for a worker.
// Returns false when another worker already claimed it; that is not an
// error, the caller just moves on.
func (q *Queue) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	claimed, err := q.store.ClaimJob(ctx, jobID)
	if err != nil || !claimed {
		return false, err
	}
	q.emit(ctx, Event{Type: EventJobStarted, JobID: jobID, Timestamp: time.Now()})
	return true, nil
}

// GetMetrics is an uncached pass-through; it always reflects store state.
func (q *Queue) GetMetrics(ctx context.Context) (*QueueMetrics, error) {
	return q.store.GetQueueMetrics(ctx)
}

// ProcessStaleJobs fails processing jobs whose last update is older than
// the staleness threshold. This is the only recovery path for a worker
// that died mid-job; run it on a recurring schedule. Returns the number of
// jobs reconciled.
func (q *Queue) ProcessStaleJobs(ctx context.Context) (int, error) {
	jobs, err := q.store.GetProcessingJobs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-q.cfg.StaleAfter)
	failed := StatusFailed
	count := 0
	for _, j := range jobs {
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		now := time.Now()
		upd := JobUpdate{
			Status: &failed,
			Error: &JobError{
				Code:      "TIMEOUT",
				Message:   fmt.Sprintf("job stalled in processing for over %s", q.cfg.StaleAfter),
				Retryable: true,
			},
			CompletedAt: &now,
		}
		if _, err := q.store.Update(ctx, j.ID, upd); err != nil {
			q.logger.Error("fail stale job", "job_id", j.ID, "err", err)
			continue
		}
		q.emit(ctx, Event{Type: EventJobFailed, JobID: j.ID, Timestamp: now})
		q.logger.Warn("reaped stale job", "job_id", j.ID, "updated_at", j.UpdatedAt)
		count++
	}
	return count, nil
}

// Cleanup deletes terminal jobs older than the retention window.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	return q.store.CleanupCompletedJobs(ctx, olderThanDays)
}

// UserJobsOptions filters GetUserJobs listings.
type UserJobsOptions struct {
	Statuses []JobStatus
	Limit    int
	Offset   int
}

func (q *Queue) GetUserJobs(ctx context.Context, userID string, opts UserJobsOptions) ([]Job, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 50
	}
	return q.store.Find(ctx, JobFilter{
		UserID:   &userID,
		Statuses: opts.Statuses,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// emit publishes a lifecycle event. Publication failures are logged and
// swallowed: events are observability, not control flow.
func (q *Queue) emit(ctx context.Context, ev Event) {
	if err := q.pub.Publish(ctx, ev); err != nil {
		q.logger.Error("publish event", "type", ev.Type, "job_id", ev.JobID, "err", err)
	}
}
