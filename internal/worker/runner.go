// Package worker pulls jobs from the dispatcher's queues with bounded
// concurrency and a per-queue token-bucket rate limit, and owns the
// background maintenance loop (stuck-story reconciliation, job pruning).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"launchdeck/internal/domain"
	"launchdeck/internal/engine"
	"launchdeck/internal/queue"
)

// Handler processes one claimed job. A nil return completes the job; an
// error requeues it with backoff until attempts run out.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job queue.Job) error { return f(ctx, job) }

// Runner drives all queues until its context is canceled. Coordination with
// other processes happens only through persisted rows; the runner keeps no
// cross-queue mutable state.
type Runner struct {
	Engine       engine.Engine
	Dispatcher   *queue.Dispatcher
	Handlers     map[string]Handler
	Log          *slog.Logger
	PollInterval time.Duration
	StuckTTL     time.Duration
	PruneWindow  time.Duration
	// VisibilityTimeout bounds how long a running job may go untouched
	// before maintenance hands it back to the queue.
	VisibilityTimeout time.Duration
}

func (r *Runner) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return 500 * time.Millisecond
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name := range r.Handlers {
		settings, ok := r.Dispatcher.Settings[name]
		if !ok {
			settings = queue.Settings{Concurrency: 1, RatePerSec: 1, MaxAttempts: 3}
		}
		wg.Add(1)
		go func(queueName string, s queue.Settings) {
			defer wg.Done()
			r.runQueue(ctx, queueName, s)
		}(name, settings)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runMaintenance(ctx)
	}()
	wg.Wait()
}

func (r *Runner) runQueue(ctx context.Context, queueName string, s queue.Settings) {
	limiter := rate.NewLimiter(rate.Limit(s.RatePerSec), burst(s.RatePerSec))
	sem := make(chan struct{}, s.Concurrency)
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		free := s.Concurrency - len(sem)
		if free <= 0 {
			continue
		}
		jobs, err := r.Dispatcher.Claim(ctx, queueName, free)
		if err != nil {
			r.log().Error("claim failed", "queue", queueName, "error", err)
			continue
		}
		for _, job := range jobs {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			sem <- struct{}{}
			inflight.Add(1)
			go func(job queue.Job) {
				defer func() { <-sem; inflight.Done() }()
				r.process(ctx, job)
			}(job)
		}
	}
}

func (r *Runner) process(ctx context.Context, job queue.Job) {
	handler := r.Handlers[job.Queue]
	err := handler.Handle(ctx, job)
	if err == nil {
		if err := r.Dispatcher.Complete(ctx, job.RowID); err != nil {
			r.log().Error("complete failed", "queue", job.Queue, "job_id", job.JobID, "error", err)
		}
		return
	}
	r.log().Warn("job failed", "queue", job.Queue, "job_id", job.JobID, "attempt", job.Attempts, "error", err)
	failErr := r.Dispatcher.Fail(ctx, job, err.Error())
	var exhausted domain.JobExhaustedError
	if errors.As(failErr, &exhausted) {
		r.markOwnerFailed(ctx, job, exhausted)
		return
	}
	if failErr != nil {
		r.log().Error("fail bookkeeping failed", "queue", job.Queue, "job_id", job.JobID, "error", failErr)
	}
}

// markOwnerFailed turns retry exhaustion into user-visible entity state.
// This is the only path on which a background failure surfaces.
func (r *Runner) markOwnerFailed(ctx context.Context, job queue.Job, exhausted domain.JobExhaustedError) {
	switch job.Queue {
	case domain.QueueExecution:
		var payload domain.ExecutionJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			r.log().Error("undecodable execution payload", "job_id", job.JobID, "error", err)
			return
		}
		if err := r.Engine.MarkStoryFailed(ctx, payload.StoryID, exhausted.Error()); err != nil {
			r.log().Error("mark story failed", "story_id", payload.StoryID, "error", err)
		}
	case domain.QueueScan:
		var payload domain.ScanJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			r.log().Error("undecodable scan payload", "job_id", job.JobID, "error", err)
			return
		}
		if err := r.Engine.RecordScanError(ctx, payload.ProjectID, payload.ScanType, exhausted.LastErr); err != nil {
			r.log().Error("record scan error", "project_id", payload.ProjectID, "error", err)
		}
	default:
		// orchestrator/chat jobs have no owning row to flip; the dead job
		// row and the log line are the record
	}
}

func (r *Runner) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.StuckTTL > 0 {
			if n, err := r.Engine.ReconcileStuck(ctx, r.StuckTTL); err != nil {
				r.log().Error("reconcile stuck", "error", err)
			} else if n > 0 {
				r.log().Warn("reconciled stuck stories", "count", n)
			}
		}
		if r.VisibilityTimeout > 0 {
			if _, err := r.Dispatcher.RequeueStale(ctx, r.VisibilityTimeout); err != nil {
				r.log().Error("requeue stale jobs", "error", err)
			}
		}
		if r.PruneWindow > 0 {
			if n, err := r.Dispatcher.Prune(ctx, r.PruneWindow); err != nil {
				r.log().Error("prune jobs", "error", err)
			} else if n > 0 {
				r.log().Info("pruned job rows", "count", n)
			}
		}
	}
}

func burst(ratePerSec float64) int {
	if ratePerSec < 1 {
		return 1
	}
	return int(ratePerSec)
}
