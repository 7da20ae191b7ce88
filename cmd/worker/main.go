package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pixveil/gen-platform/internal/ai"
	"github.com/pixveil/gen-platform/internal/config"
	"github.com/pixveil/gen-platform/internal/db"
	"github.com/pixveil/gen-platform/internal/generation"
	"github.com/pixveil/gen-platform/internal/resilience"
	"github.com/pixveil/gen-platform/internal/store/rabbitmq"
	"github.com/pixveil/gen-platform/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	gdb := db.Connect(cfg.DBDSN, cfg.SQLitePath)
	repo := generation.NewRepo(gdb)

	var pub generation.Publisher = generation.NopPublisher{}
	if cfg.RedisAddr != "" {
		sink := redisstore.NewEventSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.EventChannel)
		defer sink.Close()
		pub = sink
	}

	queue := generation.NewQueue(repo, pub, generation.Config{
		MaxQueueSize: cfg.MaxQueueSize,
		StaleAfter:   time.Duration(cfg.StaleAfterMinutes) * time.Minute,
	}, logger)

	exec := resilience.NewExecutor(resilience.DefaultConfig(), logger)

	reg := ai.NewRegistry()
	reg.Register("nanobanana", func(ctx context.Context, model string) (ai.Provider, error) {
		if model == "" {
			model = cfg.NanoBananaModel
		}
		return ai.NewNanoBananaProvider(cfg.NanoBananaBaseURL, cfg.NanoBananaAPIKey, model), nil
	})
	provider, err := reg.Get(context.Background(), "nanobanana", cfg.NanoBananaModel)
	if err != nil {
		logger.Error("provider init failed", "err", err)
		os.Exit(1)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Error("rabbit dial failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Error("rabbit channel failed", "err", err)
		os.Exit(1)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logger.Error("queue declare failed", "err", err)
		os.Exit(1)
	}

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Error("qos failed", "err", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Error("consume failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	w := &worker{queue: queue, exec: exec, provider: provider, logger: logger}

	// worker pool
	jobs := make(chan generation.Job, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for j := range jobs {
				start := time.Now()
				if err := w.execute(ctx, j); err != nil {
					logger.Error("job failed",
						"worker", workerID, "job_id", j.ID, "cost", time.Since(start), "err", err)
					continue
				}
				logger.Info("job done",
					"worker", workerID, "job_id", j.ID, "cost", time.Since(start))
			}
		}(i)
	}

	// background reconciliation: stale-job reaping and retention cleanup
	go func() {
		reap := time.NewTicker(5 * time.Minute)
		clean := time.NewTicker(24 * time.Hour)
		defer reap.Stop()
		defer clean.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reap.C:
				if n, err := queue.ProcessStaleJobs(ctx); err != nil {
					logger.Error("stale job pass failed", "err", err)
				} else if n > 0 {
					logger.Warn("reaped stale jobs", "count", n)
				}
			case <-clean.C:
				if n, err := queue.Cleanup(ctx, cfg.RetentionDays); err != nil {
					logger.Error("cleanup failed", "err", err)
				} else if n > 0 {
					logger.Info("cleaned up old jobs", "count", n)
				}
			}
		}
	}()

	// dispatcher: dequeue on a poll tick, or immediately on a dispatch
	// message. Messages are wake-up hints; the store is the source of
	// truth, so a lost or duplicate message is harmless.
	poll := time.NewTicker(cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Warn("delivery channel closed")
				time.Sleep(time.Second)
				continue
			}
			if _, err := rabbitmq.ParseDispatch(d.Body); err != nil {
				// Dead-letter it; requeueing a bad hint would just loop.
				logger.Warn("rejecting dispatch message", "err", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
			w.drain(ctx, jobs, concurrency*2)

		case <-poll.C:
			w.drain(ctx, jobs, concurrency*2)
		}
	}
}

type worker struct {
	queue    *generation.Queue
	exec     *resilience.Executor
	provider ai.Provider
	logger   *slog.Logger
}

// drain previews dispatchable jobs and feeds those it wins the claim race
// for into the pool. Losing a claim means another worker took the job.
func (w *worker) drain(ctx context.Context, jobs chan<- generation.Job, n int) {
	next, err := w.queue.GetNextJobs(ctx, n)
	if err != nil {
		w.logger.Error("dequeue failed", "err", err)
		return
	}
	for _, j := range next {
		claimed, err := w.queue.ClaimJob(ctx, j.ID)
		if err != nil {
			w.logger.Error("claim failed", "job_id", j.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		select {
		case jobs <- j:
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one claimed job through the resilience layer and reports
// the terminal result back via the queue.
func (w *worker) execute(ctx context.Context, j generation.Job) error {
	switch j.Type {
	case generation.TypeSingle:
		return w.executeSingle(ctx, j)
	case generation.TypeCharacter:
		return w.executeCharacter(ctx, j)
	case generation.TypeBatch:
		return w.executeBatch(ctx, j)
	}
	return w.fail(ctx, j.ID, &generation.JobError{
		Code:    "INVALID_TYPE",
		Message: fmt.Sprintf("unknown job type %q", j.Type),
	})
}

func (w *worker) executeSingle(ctx context.Context, j generation.Job) error {
	out := w.generate(ctx, ai.Request{Prompt: j.Single.Prompt})
	if !out.Success {
		return w.fail(ctx, j.ID, jobErrorFromOutcome(out))
	}
	res := out.Result.(*ai.Result)
	return w.complete(ctx, j.ID, []generation.Result{{
		URL: res.ImageURL, MimeType: res.MimeType, Text: res.Text,
	}})
}

func (w *worker) executeCharacter(ctx context.Context, j generation.Job) error {
	specs := map[string]string{"name": j.Character.Specs.Name}
	if j.Character.Specs.Style != "" {
		specs["style"] = j.Character.Specs.Style
	}
	for k, v := range j.Character.Specs.Traits {
		specs[k] = v
	}

	out := w.generate(ctx, ai.Request{
		Prompt:      fmt.Sprintf("character portrait of %s", j.Character.Specs.Name),
		CharacterID: j.Character.CharacterID,
		Specs:       specs,
	})
	if !out.Success {
		return w.fail(ctx, j.ID, jobErrorFromOutcome(out))
	}
	res := out.Result.(*ai.Result)
	return w.complete(ctx, j.ID, []generation.Result{{
		URL: res.ImageURL, MimeType: res.MimeType, Text: res.Text,
	}})
}

// executeBatch runs sub-requests sequentially, reporting progress after
// each one. The batch completes if any sub-request succeeded; it fails
// only when every one failed.
func (w *worker) executeBatch(ctx context.Context, j generation.Job) error {
	batch := *j.Batch
	var results []generation.Result
	var lastErr *generation.JobError

	for i, req := range batch.Requests {
		out := w.generate(ctx, ai.Request{Prompt: req.Prompt})
		if out.Success {
			res := out.Result.(*ai.Result)
			results = append(results, generation.Result{
				URL: res.ImageURL, MimeType: res.MimeType, Text: res.Text,
			})
			batch.CompletedRequests++
		} else {
			batch.FailedRequests++
			lastErr = jobErrorFromOutcome(out)
		}

		progress := &generation.Progress{
			Percent: (i + 1) * 100 / len(batch.Requests),
			Stage:   "generating",
			Message: fmt.Sprintf("%d/%d requests done", i+1, len(batch.Requests)),
		}
		if _, err := w.queue.UpdateJob(ctx, j.ID, generation.JobUpdate{
			Progress: progress,
			Batch:    &batch,
		}); err != nil {
			w.logger.Error("progress update failed", "job_id", j.ID, "err", err)
		}
	}

	if batch.CompletedRequests == 0 {
		_, err := w.queue.UpdateJob(ctx, j.ID, generation.JobUpdate{
			Status: statusPtr(generation.StatusFailed),
			Error:  lastErr,
			Batch:  &batch,
		})
		return err
	}
	_, err := w.queue.UpdateJob(ctx, j.ID, generation.JobUpdate{
		Status:  statusPtr(generation.StatusCompleted),
		Results: results,
		Batch:   &batch,
	})
	return err
}

func (w *worker) generate(ctx context.Context, req ai.Request) resilience.Outcome {
	return w.exec.ExecuteNanoBananaOperation(ctx, "generate", func(ctx context.Context) (any, error) {
		return w.provider.Generate(ctx, req)
	}, nil)
}

func (w *worker) complete(ctx context.Context, jobID string, results []generation.Result) error {
	_, err := w.queue.UpdateJob(ctx, jobID, generation.JobUpdate{
		Status:  statusPtr(generation.StatusCompleted),
		Results: results,
	})
	return err
}

func (w *worker) fail(ctx context.Context, jobID string, jerr *generation.JobError) error {
	if _, err := w.queue.UpdateJob(ctx, jobID, generation.JobUpdate{
		Status: statusPtr(generation.StatusFailed),
		Error:  jerr,
	}); err != nil {
		return err
	}
	return fmt.Errorf("%s: %s", jerr.Code, jerr.Message)
}

func jobErrorFromOutcome(out resilience.Outcome) *generation.JobError {
	code := "PROVIDER_ERROR"
	switch {
	case out.CircuitBreakerTriggered:
		code = "CIRCUIT_OPEN"
	case out.RateLimitTriggered:
		code = "RATE_LIMITED"
	}
	msg := "generation failed"
	if out.Err != nil {
		msg = out.Err.Error()
	}
	return &generation.JobError{
		Code:      code,
		Message:   msg,
		Retryable: out.CircuitBreakerTriggered || out.RateLimitTriggered || resilience.IsRetryable(out.Err),
	}
}

func statusPtr(s generation.JobStatus) *generation.JobStatus { return &s }
