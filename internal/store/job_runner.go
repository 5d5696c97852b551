package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler processes a claimed job. Returning an error requeues the job
// with backoff until its attempts are exhausted.
type JobHandler func(ctx context.Context, job Job) error

// JobRunner polls the job table and dispatches due jobs to registered
// handlers with bounded concurrency. Jobs left in the running state by a
// crashed process are requeued after StaleAfter.
type JobRunner struct {
	repo     JobRepo
	handlers map[string]JobHandler

	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	StaleAfter   time.Duration
	BackoffBase  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewJobRunner creates a runner with defaults suitable for a single process.
func NewJobRunner(repo JobRepo) *JobRunner {
	return &JobRunner{
		repo:         repo,
		handlers:     make(map[string]JobHandler),
		PollInterval: 2 * time.Second,
		BatchSize:    10,
		Concurrency:  4,
		StaleAfter:   5 * time.Minute,
		BackoffBase:  3 * time.Second,
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (r *JobRunner) Register(kind string, h JobHandler) {
	r.handlers[kind] = h
}

// Start begins polling. It requeues stale running jobs once on startup so
// work interrupted by a crash is recovered.
func (r *JobRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("job runner already started")
	}
	n, err := r.repo.RequeueStaleRunningJobs(time.Now().Add(-r.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("JobRunner.Start: recovered stale jobs", "count", n)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go r.loop(runCtx)
	return nil
}

// Stop cancels the poll loop and waits for in-flight jobs to finish.
func (r *JobRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	cancel()
	<-done
}

func (r *JobRunner) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	staleTicker := time.NewTicker(r.StaleAfter)
	defer staleTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			if n, err := r.repo.RequeueStaleRunningJobs(time.Now().Add(-r.StaleAfter)); err != nil {
				slog.Error("JobRunner: stale requeue failed", "error", err)
			} else if n > 0 {
				slog.Warn("JobRunner: requeued stale jobs", "count", n)
			}
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

func (r *JobRunner) runDue(ctx context.Context) {
	jobs, err := r.repo.ClaimDueJobs(time.Now(), r.BatchSize)
	if err != nil {
		slog.Error("JobRunner: claim failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	sem := make(chan struct{}, r.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runOne(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (r *JobRunner) runOne(ctx context.Context, job Job) {
	handler, ok := r.handlers[job.Kind]
	if !ok {
		slog.Error("JobRunner: no handler for kind", "kind", job.Kind, "jobID", job.ID)
		if err := r.repo.FailJob(job.ID, "no handler registered", time.Now()); err != nil {
			slog.Error("JobRunner: fail update failed", "error", err, "jobID", job.ID)
		}
		return
	}
	if err := handler(ctx, job); err != nil {
		nextRun := time.Now().Add(r.BackoffBase * time.Duration(job.Attempt))
		slog.Warn("JobRunner: job failed", "kind", job.Kind, "jobID", job.ID, "attempt", job.Attempt, "error", err)
		if ferr := r.repo.FailJob(job.ID, err.Error(), nextRun); ferr != nil {
			slog.Error("JobRunner: fail update failed", "error", ferr, "jobID", job.ID)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner: complete update failed", "error", err, "jobID", job.ID)
	}
}
