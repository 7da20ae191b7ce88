package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) eventsFor(jobID string) []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []EventType
	for _, ev := range p.events {
		if ev.JobID == jobID {
			types = append(types, ev.Type)
		}
	}
	return types
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *Repo, *recordingPublisher, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &recordingPublisher{}
	return NewQueue(repo, pub, cfg, nil), repo, pub, db
}

func strPtr(s string) *string { return &s }

func TestEnqueue_SingleJobIsQueuedImmediately(t *testing.T) {
	q, repo, pub, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID: strPtr("u1"),
		Type:   TypeSingle,
		Single: &SinglePayload{Prompt: "a red fox"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a job id")
	}

	job, err := repo.FindByID(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("find job: %v, %v", job, err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
	if job.Priority != PriorityNormal {
		t.Fatalf("priority = %q, want normal default", job.Priority)
	}

	got := pub.eventsFor(id)
	want := []EventType{EventJobCreated, EventJobQueued}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestEnqueue_BatchOfFourSucceeds(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{})

	reqs := make([]SingleRequest, 4)
	for i := range reqs {
		reqs[i] = SingleRequest{Prompt: fmt.Sprintf("image %d", i)}
	}
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID: strPtr("u1"),
		Type:   TypeBatch,
		Batch:  &BatchPayload{Requests: reqs},
	})
	if err != nil {
		t.Fatalf("enqueue batch of 4: %v", err)
	}

	job, _ := q.GetJob(context.Background(), id)
	if job.Batch.TotalRequests != 4 {
		t.Fatalf("total requests = %d, want 4", job.Batch.TotalRequests)
	}
	if job.Batch.BatchID == "" {
		t.Fatalf("expected a batch id to be assigned")
	}
}

func TestEnqueue_BatchOfFiveRejectedBeforePersistence(t *testing.T) {
	q, _, pub, db := newTestQueue(t, Config{})

	reqs := make([]SingleRequest, 5)
	for i := range reqs {
		reqs[i] = SingleRequest{Prompt: fmt.Sprintf("image %d", i)}
	}
	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID: strPtr("u1"),
		Type:   TypeBatch,
		Batch:  &BatchPayload{Requests: reqs},
	})
	if err != ErrBatchTooLarge {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}

	var count int64
	if err := db.Model(&Job{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no job persisted, found %d", count)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no events, got %v", pub.events)
	}
}

func TestEnqueue_RejectsWhenQueueFull(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{MaxQueueSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(context.Background(), EnqueueRequest{
			Type:   TypeSingle,
			Single: &SinglePayload{Prompt: "fill"},
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// The capacity check applies to every job type, batches included.
	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:   TypeSingle,
		Single: &SinglePayload{Prompt: "overflow"},
	})
	if err != ErrQueueFull {
		t.Fatalf("single err = %v, want ErrQueueFull", err)
	}

	_, err = q.Enqueue(context.Background(), EnqueueRequest{
		Type:  TypeBatch,
		Batch: &BatchPayload{Requests: []SingleRequest{{Prompt: "overflow"}}},
	})
	if err != ErrQueueFull {
		t.Fatalf("batch err = %v, want ErrQueueFull", err)
	}
}

func TestEnqueue_MismatchedPayloadRejected(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{})

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:      TypeSingle,
		Character: &CharacterPayload{CharacterID: "c1"},
	})
	if err != ErrInvalidRequest {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestEnqueue_ScheduledJobStaysPendingUntilDue(t *testing.T) {
	q, repo, pub, db := newTestQueue(t, Config{})

	future := time.Now().Add(time.Hour)
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID:      strPtr("u1"),
		Type:        TypeSingle,
		ScheduledAt: &future,
		Single:      &SinglePayload{Prompt: "later"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, _ := repo.FindByID(context.Background(), id)
	if job.Status != StatusPending {
		t.Fatalf("status = %q, want pending", job.Status)
	}
	if got := pub.eventsFor(id); len(got) != 1 || got[0] != EventJobCreated {
		t.Fatalf("events = %v, want only job_created", got)
	}

	// Not due yet: never previewed.
	next, err := q.GetNextJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(next) != 0 {
		t.Fatalf("expected no dispatchable jobs, got %d", len(next))
	}

	// Make it due and promote exactly once.
	past := time.Now().Add(-time.Minute)
	if err := db.Model(&Job{}).Where("id = ?", id).
		UpdateColumn("scheduled_at", past).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	next, err = q.GetNextJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(next) != 1 || next[0].ID != id {
		t.Fatalf("expected the scheduled job, got %v", next)
	}

	got := pub.eventsFor(id)
	queuedEvents := 0
	for _, ev := range got {
		if ev == EventJobQueued {
			queuedEvents++
		}
	}
	if queuedEvents != 1 {
		t.Fatalf("job_queued fired %d times, want exactly once", queuedEvents)
	}

	// A second pass must not re-promote.
	if _, err := q.GetNextJobs(context.Background(), 10); err != nil {
		t.Fatalf("get next: %v", err)
	}
	if got := pub.eventsFor(id); len(got) != 2 {
		t.Fatalf("events after second pass = %v, want no duplicates", got)
	}
}

// racePromotionStore makes every promotion look lost: another worker got
// there first. The underlying write still happens so the job advances.
type racePromotionStore struct {
	*Repo
}

func (s *racePromotionStore) PromoteScheduledJob(ctx context.Context, id string) (bool, error) {
	if _, err := s.Repo.PromoteScheduledJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func TestGetNextJobs_LostPromotionRaceEmitsNoEvent(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &recordingPublisher{}
	q := NewQueue(&racePromotionStore{Repo: repo}, pub, Config{}, nil)

	past := time.Now().Add(-time.Minute)
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID:      strPtr("u1"),
		Type:        TypeSingle,
		ScheduledAt: &past,
		Single:      &SinglePayload{Prompt: "raced"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Force it back to pending so the promotion path runs.
	if err := db.Model(&Job{}).Where("id = ?", id).
		UpdateColumn("status", StatusPending).Error; err != nil {
		t.Fatalf("reset status: %v", err)
	}
	pub.events = nil

	if _, err := q.GetNextJobs(context.Background(), 10); err != nil {
		t.Fatalf("get next: %v", err)
	}

	// The winner announces the promotion; a loser must stay silent or the
	// job_queued event fires twice.
	if got := pub.eventsFor(id); len(got) != 0 {
		t.Fatalf("events = %v, want none from the losing promoter", got)
	}
	job, _ := repo.FindByID(context.Background(), id)
	if job.Status != StatusQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
}

func TestGetNextJobs_PriorityThenFIFO(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{})

	enqueue := func(prompt string, p Priority) string {
		t.Helper()
		id, err := q.Enqueue(context.Background(), EnqueueRequest{
			Type:     TypeSingle,
			Priority: p,
			Single:   &SinglePayload{Prompt: prompt},
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", prompt, err)
		}
		// ULIDs share millisecond precision; space creations out so the
		// FIFO tie-break on created_at is deterministic.
		time.Sleep(2 * time.Millisecond)
		return id
	}

	low := enqueue("low", PriorityLow)
	normalA := enqueue("normal-a", PriorityNormal)
	urgent := enqueue("urgent", PriorityUrgent)
	normalB := enqueue("normal-b", PriorityNormal)

	next, err := q.GetNextJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	wantOrder := []string{urgent, normalA, normalB, low}
	if len(next) != len(wantOrder) {
		t.Fatalf("got %d jobs, want %d", len(next), len(wantOrder))
	}
	for i, id := range wantOrder {
		if next[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, next[i].ID, id)
		}
	}
}

func TestCancelJob(t *testing.T) {
	q, repo, _, _ := newTestQueue(t, Config{})
	future := time.Now().Add(time.Hour)

	// Scheduled jobs remain pending, the only cancellable state.
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID:      strPtr("owner"),
		Type:        TypeSingle,
		ScheduledAt: &future,
		Single:      &SinglePayload{Prompt: "cancel me"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.CancelJob(context.Background(), id, "intruder"); err != ErrNotOwner {
		t.Fatalf("non-owner cancel err = %v, want ErrNotOwner", err)
	}

	ok, err := q.CancelJob(context.Background(), id, "owner")
	if err != nil || !ok {
		t.Fatalf("owner cancel = %v, %v; want success", ok, err)
	}
	job, _ := repo.FindByID(context.Background(), id)
	if job.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatalf("expected CompletedAt stamped on cancellation")
	}

	// Terminal jobs cannot be cancelled again.
	if _, err := q.CancelJob(context.Background(), id, "owner"); err != ErrNotCancellable {
		t.Fatalf("repeat cancel err = %v, want ErrNotCancellable", err)
	}
}

func TestCancelJob_ProcessingJobRejected(t *testing.T) {
	q, repo, _, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID: strPtr("owner"),
		Type:   TypeSingle,
		Single: &SinglePayload{Prompt: "busy"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if claimed, err := repo.ClaimJob(context.Background(), id); err != nil || !claimed {
		t.Fatalf("claim: %v, %v", claimed, err)
	}

	if _, err := q.CancelJob(context.Background(), id, "owner"); err != ErrNotCancellable {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
}

func TestCancelJob_AnonymousJobAlwaysDenied(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{})
	future := time.Now().Add(time.Hour)

	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:        TypeSingle,
		ScheduledAt: &future,
		Single:      &SinglePayload{Prompt: "anonymous"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.CancelJob(context.Background(), id, "anyone"); err != ErrNotOwner {
		t.Fatalf("err = %v, want ErrNotOwner for anonymous job", err)
	}
}

func TestUpdateJob_TerminalStatusStampsCompletedAt(t *testing.T) {
	q, _, pub, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:   TypeSingle,
		Single: &SinglePayload{Prompt: "finish"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	completed := StatusCompleted
	job, err := q.UpdateJob(context.Background(), id, JobUpdate{
		Status:  &completed,
		Results: []Result{{URL: "https://cdn.example/img.png", MimeType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if job.CompletedAt == nil {
		t.Fatalf("expected CompletedAt stamped for terminal status")
	}
	if len(job.Results) != 1 {
		t.Fatalf("results = %v, want one entry", job.Results)
	}

	got := pub.eventsFor(id)
	if got[len(got)-1] != EventJobCompleted {
		t.Fatalf("last event = %v, want job_completed", got[len(got)-1])
	}
}

func TestUpdateJob_TerminalStatusIsFinal(t *testing.T) {
	q, repo, _, db := newTestQueue(t, Config{StaleAfter: 30 * time.Minute})

	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:   TypeSingle,
		Single: &SinglePayload{Prompt: "slow"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if claimed, err := repo.ClaimJob(context.Background(), id); err != nil || !claimed {
		t.Fatalf("claim: %v, %v", claimed, err)
	}

	// The reaper fails the job while its worker is still running.
	if err := db.Model(&Job{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-31*time.Minute)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if _, err := q.ProcessStaleJobs(context.Background()); err != nil {
		t.Fatalf("process stale: %v", err)
	}

	// The worker finishes late; its completion must not resurrect the job.
	completed := StatusCompleted
	_, err = q.UpdateJob(context.Background(), id, JobUpdate{
		Status:  &completed,
		Results: []Result{{URL: "https://cdn.example/late.png"}},
	})
	if !errors.Is(err, ErrJobFinished) {
		t.Fatalf("err = %v, want ErrJobFinished", err)
	}

	job, _ := repo.FindByID(context.Background(), id)
	if job.Status != StatusFailed {
		t.Fatalf("status = %q, want the reaped failure to stand", job.Status)
	}
}

func TestUpdateJob_ProgressEmitsEvent(t *testing.T) {
	q, _, pub, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:   TypeSingle,
		Single: &SinglePayload{Prompt: "progress"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.UpdateJob(context.Background(), id, JobUpdate{
		Progress: &Progress{Percent: 50, Stage: "generating"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := pub.eventsFor(id)
	if got[len(got)-1] != EventJobProgress {
		t.Fatalf("last event = %v, want job_progress", got[len(got)-1])
	}
}

func TestProcessStaleJobs(t *testing.T) {
	q, repo, pub, db := newTestQueue(t, Config{StaleAfter: 30 * time.Minute})

	mkProcessing := func(prompt string) string {
		t.Helper()
		id, err := q.Enqueue(context.Background(), EnqueueRequest{
			Type:   TypeSingle,
			Single: &SinglePayload{Prompt: prompt},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if claimed, err := repo.ClaimJob(context.Background(), id); err != nil || !claimed {
			t.Fatalf("claim: %v, %v", claimed, err)
		}
		return id
	}

	stale := mkProcessing("stale")
	fresh := mkProcessing("fresh")

	// Backdate the stale job past the threshold without touching hooks.
	if err := db.Model(&Job{}).Where("id = ?", stale).
		UpdateColumn("updated_at", time.Now().Add(-31*time.Minute)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := q.ProcessStaleJobs(context.Background())
	if err != nil {
		t.Fatalf("process stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled %d jobs, want 1", n)
	}

	staleJob, _ := repo.FindByID(context.Background(), stale)
	if staleJob.Status != StatusFailed {
		t.Fatalf("stale status = %q, want failed", staleJob.Status)
	}
	if staleJob.Error == nil || staleJob.Error.Code != "TIMEOUT" || !staleJob.Error.Retryable {
		t.Fatalf("stale error = %+v, want retryable TIMEOUT", staleJob.Error)
	}
	if staleJob.Error.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", staleJob.Error.RetryCount)
	}
	if staleJob.CompletedAt == nil {
		t.Fatalf("expected CompletedAt stamped on the stale job")
	}

	freshJob, _ := repo.FindByID(context.Background(), fresh)
	if freshJob.Status != StatusProcessing {
		t.Fatalf("fresh status = %q, want untouched processing", freshJob.Status)
	}

	got := pub.eventsFor(stale)
	if got[len(got)-1] != EventJobFailed {
		t.Fatalf("last stale event = %v, want job_failed", got[len(got)-1])
	}
}

func TestGetUserJobs_FiltersByUserAndStatus(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{})

	var mine []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(context.Background(), EnqueueRequest{
			UserID: strPtr("u1"),
			Type:   TypeSingle,
			Single: &SinglePayload{Prompt: fmt.Sprintf("mine %d", i)},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		mine = append(mine, id)
	}
	if _, err := q.Enqueue(context.Background(), EnqueueRequest{
		UserID: strPtr("u2"),
		Type:   TypeSingle,
		Single: &SinglePayload{Prompt: "theirs"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	completed := StatusCompleted
	if _, err := q.UpdateJob(context.Background(), mine[0], JobUpdate{Status: &completed}); err != nil {
		t.Fatalf("update: %v", err)
	}

	jobs, err := q.GetUserJobs(context.Background(), "u1", UserJobsOptions{})
	if err != nil {
		t.Fatalf("get user jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs for u1, want 3", len(jobs))
	}

	jobs, err = q.GetUserJobs(context.Background(), "u1", UserJobsOptions{
		Statuses: []JobStatus{StatusCompleted},
	})
	if err != nil {
		t.Fatalf("get user jobs filtered: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != mine[0] {
		t.Fatalf("filtered jobs = %v, want only %s", jobs, mine[0])
	}
}

func TestGetJob_MissingReturnsNilWithoutError(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{})

	job, err := q.GetJob(context.Background(), "01MISSINGJOBID000000000000")
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if job != nil {
		t.Fatalf("job = %v, want nil", job)
	}
}
