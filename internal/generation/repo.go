package generation

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repo is the gorm-backed JobStore. MySQL in production, sqlite in tests
// and local mode.
type Repo struct {
	db *gorm.DB
}

var _ JobStore = (*Repo)(nil)

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) FindByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) Find(ctx context.Context, f JobFilter) ([]Job, error) {
	q := r.db.WithContext(ctx).Model(&Job{}).Order("created_at DESC")
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Update applies a partial update and returns the stored job. The write is
// a read-modify-save; the atomic transition workers rely on is ClaimJob,
// not this method.
//
// Status transitions are monotonic: once a job is terminal, a different
// status cannot be written. A worker finishing after the stale reaper
// already failed its job gets ErrJobFinished instead of flipping it back.
func (r *Repo) Update(ctx context.Context, id string, upd JobUpdate) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	if upd.Status != nil && j.Status.Terminal() && *upd.Status != j.Status {
		return nil, ErrJobFinished
	}

	if upd.Status != nil {
		j.Status = *upd.Status
	}
	if upd.Progress != nil {
		j.Progress = upd.Progress
	}
	if upd.Error != nil {
		j.Error = upd.Error
	}
	if upd.Results != nil {
		j.Results = upd.Results
	}
	if upd.Batch != nil {
		j.Batch = upd.Batch
	}
	if upd.CompletedAt != nil {
		j.CompletedAt = upd.CompletedAt
	}

	if err := r.db.WithContext(ctx).Save(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&Job{}, "id = ?", id).Error
}

// GetNextPendingJobs returns up to n dispatchable jobs, most urgent first,
// FIFO within equal priority so old jobs cannot starve.
func (r *Repo) GetNextPendingJobs(ctx context.Context, n int) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusQueued).
		Order("priority_rank DESC, created_at ASC").
		Limit(n).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetScheduledJobs returns pending jobs whose scheduled time has passed.
func (r *Repo) GetScheduledJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", StatusPending, time.Now()).
		Order("scheduled_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *Repo) GetProcessingJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusProcessing).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimJob is the conditional queued -> processing transition. The status
// predicate in the WHERE clause makes it safe under concurrent workers:
// exactly one caller sees RowsAffected == 1.
func (r *Repo) ClaimJob(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]any{
			"status":     StatusProcessing,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PromoteScheduledJob is the conditional pending -> queued transition for a
// due scheduled job. Two workers previewing the same due job both call
// this; the status predicate lets exactly one through.
func (r *Repo) PromoteScheduledJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":     StatusQueued,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// metricsSampleSize bounds how many terminal jobs feed the latency averages.
const metricsSampleSize = 500

// GetQueueMetrics derives a snapshot from the current table state. Counts
// use SQL; latency averages are computed in Go over a bounded sample of
// recent terminal jobs so the arithmetic is portable across MySQL and
// sqlite.
func (r *Repo) GetQueueMetrics(ctx context.Context) (*QueueMetrics, error) {
	db := r.db.WithContext(ctx)
	now := time.Now()
	m := &QueueMetrics{}

	// Scheduled jobs stay outside the pending pool until due.
	err := db.Model(&Job{}).
		Where("status = ? OR (status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?))",
			StatusQueued, StatusPending, now).
		Count(&m.Pending).Error
	if err != nil {
		return nil, err
	}

	counts := []struct {
		status JobStatus
		dest   *int64
	}{
		{StatusProcessing, &m.Processing},
		{StatusCompleted, &m.Completed},
		{StatusFailed, &m.Failed},
	}
	for _, c := range counts {
		if err := db.Model(&Job{}).Where("status = ?", c.status).Count(c.dest).Error; err != nil {
			return nil, err
		}
	}

	if err := db.Model(&Job{}).
		Where("status = ? AND completed_at >= ?", StatusCompleted, now.Add(-time.Hour)).
		Count(&m.ThroughputPerHour).Error; err != nil {
		return nil, err
	}

	var recent []Job
	if err := db.
		Where("status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", StatusCompleted).
		Order("completed_at DESC").
		Limit(metricsSampleSize).
		Find(&recent).Error; err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		var wait, proc time.Duration
		for _, j := range recent {
			wait += j.StartedAt.Sub(j.CreatedAt)
			proc += j.CompletedAt.Sub(*j.StartedAt)
		}
		n := float64(len(recent))
		m.AvgWaitMs = float64(wait.Milliseconds()) / n
		m.AvgProcessingMs = float64(proc.Milliseconds()) / n
	}

	return m, nil
}

// CleanupCompletedJobs bulk-deletes terminal jobs that finished more than
// olderThanDays ago and returns how many rows went away.
func (r *Repo) CleanupCompletedJobs(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?",
			[]JobStatus{StatusCompleted, StatusFailed, StatusCancelled}, cutoff).
		Delete(&Job{})
	return res.RowsAffected, res.Error
}
