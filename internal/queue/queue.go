// Package queue is the job dispatcher: durable named queues on the jobs
// table, with job-id deduplication, exponential backoff and delayed
// visibility. Workers claim jobs through the same dispatcher.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"launchdeck/internal/domain"
)

// Settings tune one queue.
type Settings struct {
	BaseBackoff time.Duration
	MaxAttempts int
	Concurrency int
	RatePerSec  float64
	Stagger     time.Duration
}

// DefaultSettings are the per-queue tunings the system ships with.
func DefaultSettings() map[string]Settings {
	return map[string]Settings{
		domain.QueueScan:         {BaseBackoff: 2 * time.Second, MaxAttempts: 3, Concurrency: 5, RatePerSec: 10, Stagger: 2 * time.Second},
		domain.QueueExecution:    {BaseBackoff: 5 * time.Second, MaxAttempts: 3, Concurrency: 1, RatePerSec: 1, Stagger: 2 * time.Second},
		domain.QueueOrchestrator: {BaseBackoff: 5 * time.Second, MaxAttempts: 3, Concurrency: 3, RatePerSec: 2, Stagger: 2 * time.Second},
		domain.QueueChat:         {BaseBackoff: time.Second, MaxAttempts: 3, Concurrency: 5, RatePerSec: 5, Stagger: 0},
	}
}

// Dispatcher is constructed once at process start and passed to whoever
// enqueues or consumes. No package-level state.
type Dispatcher struct {
	DB       *sql.DB
	Settings map[string]Settings
	Log      *slog.Logger
	Now      func() time.Time
	// Jitter scales a backoff delay; swapped out in tests.
	Jitter func(d time.Duration) time.Duration
}

func New(db *sql.DB, settings map[string]Settings, log *slog.Logger) *Dispatcher {
	if settings == nil {
		settings = DefaultSettings()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		DB:       db,
		Settings: settings,
		Log:      log,
		Now:      time.Now,
		Jitter:   defaultJitter,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) settingsFor(queueName string) Settings {
	if s, ok := d.Settings[queueName]; ok {
		return s
	}
	return Settings{BaseBackoff: 2 * time.Second, MaxAttempts: 3, Concurrency: 1, RatePerSec: 1}
}

// Options for one enqueue call.
type Options struct {
	// JobID deduplicates: a second enqueue with the same id on the same
	// queue is a no-op while the first row exists. Must be derived from
	// logical identity (entity id + operation), never wall-clock time.
	// Empty means no dedup; a random id is assigned.
	JobID string
	// Attempts overrides the queue's max attempts when > 0.
	Attempts int
	// Delay holds the job invisible for the given duration.
	Delay time.Duration
}

// Handle describes an accepted (or deduplicated) job.
type Handle struct {
	Queue     string
	JobID     string
	Duplicate bool
}

// Job is one claimed unit of work.
type Job struct {
	RowID       int64
	Queue       string
	JobID       string
	Type        string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue adds a job. Fire-and-forget from the caller's perspective: the row
// is durable once this returns and consumption happens elsewhere.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts Options) (Handle, error) {
	return d.enqueue(ctx, d.DB, queueName, jobType, payload, opts)
}

// EnqueueTx is Enqueue inside a caller-owned transaction: the job row commits
// or rolls back together with the caller's own writes. State transitions that
// must produce a job use this so neither side can land without the other.
func (d *Dispatcher) EnqueueTx(ctx context.Context, tx *sql.Tx, queueName, jobType string, payload any, opts Options) (Handle, error) {
	return d.enqueue(ctx, tx, queueName, jobType, payload, opts)
}

func (d *Dispatcher) enqueue(ctx context.Context, db execer, queueName, jobType string, payload any, opts Options) (Handle, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal job payload: %w", err)
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	s := d.settingsFor(queueName)
	maxAttempts := s.MaxAttempts
	if opts.Attempts > 0 {
		maxAttempts = opts.Attempts
	}
	now := d.now().UTC()
	visible := now.Add(opts.Delay)
	res, err := db.ExecContext(ctx, `INSERT INTO jobs(queue,job_id,job_type,payload_json,status,attempts,max_attempts,visible_after,created_at,updated_at)
VALUES (?,?,?,?,'queued',0,?,?,?,?) ON CONFLICT(queue,job_id) DO NOTHING`,
		queueName, jobID, jobType, string(data), maxAttempts,
		visible.Format(time.RFC3339Nano), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue %s/%s: %w", queueName, jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Queue: queueName, JobID: jobID, Duplicate: n == 0}
	if h.Duplicate {
		d.Log.Debug("enqueue deduplicated", "queue", queueName, "job_id", jobID)
	}
	return h, nil
}

// BatchItem is one job of a staggered batch.
type BatchItem struct {
	JobID   string
	Payload any
}

// EnqueueBatch enqueues items with increasing delay (index times the queue's
// stagger) so downstream workers are not hit simultaneously. Stagger bounds
// burst load; it does not order the batch.
func (d *Dispatcher) EnqueueBatch(ctx context.Context, queueName, jobType string, items []BatchItem) ([]Handle, error) {
	s := d.settingsFor(queueName)
	handles := make([]Handle, 0, len(items))
	for i, item := range items {
		h, err := d.Enqueue(ctx, queueName, jobType, item.Payload, Options{
			JobID: item.JobID,
			Delay: time.Duration(i) * s.Stagger,
		})
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Claim marks up to limit visible queued jobs as running and returns them.
// Attempts is incremented at claim time.
func (d *Dispatcher) Claim(ctx context.Context, queueName string, limit int) ([]Job, error) {
	now := d.now().UTC().Format(time.RFC3339Nano)
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id,queue,job_id,job_type,payload_json,attempts,max_attempts FROM jobs
WHERE queue=? AND status='queued' AND visible_after<=? ORDER BY id ASC LIMIT ?`, queueName, now, limit)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for rows.Next() {
		var j Job
		var payload string
		if err := rows.Scan(&j.RowID, &j.Queue, &j.JobID, &j.Type, &payload, &j.Attempts, &j.MaxAttempts); err != nil {
			rows.Close()
			return nil, err
		}
		j.Payload = json.RawMessage(payload)
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	updated := d.now().UTC().Format(time.RFC3339)
	for i := range jobs {
		jobs[i].Attempts++
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='running', attempts=?, updated_at=? WHERE id=?`,
			jobs[i].Attempts, updated, jobs[i].RowID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Complete marks a claimed job done. The row stays until pruned, which is
// what makes the job id a dedup key for the debounce window.
func (d *Dispatcher) Complete(ctx context.Context, rowID int64) error {
	now := d.now().UTC().Format(time.RFC3339)
	_, err := d.DB.ExecContext(ctx, `UPDATE jobs SET status='done', updated_at=? WHERE id=?`, now, rowID)
	return err
}

// Fail records a worker failure. Before attempts are exhausted the job is
// requeued with exponential backoff; after, it is dead and the returned error
// is a domain.JobExhaustedError the caller must turn into entity state.
func (d *Dispatcher) Fail(ctx context.Context, job Job, cause string) error {
	now := d.now().UTC()
	if job.Attempts >= job.MaxAttempts {
		_, err := d.DB.ExecContext(ctx, `UPDATE jobs SET status='dead', last_error=?, updated_at=? WHERE id=?`,
			cause, now.Format(time.RFC3339), job.RowID)
		if err != nil {
			return err
		}
		d.Log.Warn("job exhausted", "queue", job.Queue, "job_id", job.JobID, "attempts", job.Attempts, "error", cause)
		return domain.JobExhaustedError{Queue: job.Queue, JobID: job.JobID, Attempts: job.Attempts, LastErr: cause}
	}
	delay := d.backoff(job.Queue, job.Attempts)
	visible := now.Add(delay)
	_, err := d.DB.ExecContext(ctx, `UPDATE jobs SET status='queued', last_error=?, visible_after=?, updated_at=? WHERE id=?`,
		cause, visible.Format(time.RFC3339Nano), now.Format(time.RFC3339), job.RowID)
	if err != nil {
		return err
	}
	d.Log.Info("job requeued", "queue", job.Queue, "job_id", job.JobID, "attempt", job.Attempts, "backoff", delay.String())
	return nil
}

// backoff is base * 2^(attempt-1), jittered.
func (d *Dispatcher) backoff(queueName string, attempt int) time.Duration {
	s := d.settingsFor(queueName)
	delay := s.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if d.Jitter != nil {
		delay = d.Jitter(delay)
	}
	return delay
}

// defaultJitter spreads delays +-20% to avoid thundering herds.
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.2
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// RequeueStale makes running jobs visible again when no worker has touched
// them within the timeout. A worker that crashed or was canceled mid-batch
// leaves its claims in running forever otherwise, and a stranded row blocks
// every future enqueue of the same job id. Claim counts the retry.
func (d *Dispatcher) RequeueStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := d.now().UTC()
	cutoff := now.Add(-timeout).Format(time.RFC3339)
	res, err := d.DB.ExecContext(ctx, `UPDATE jobs SET status='queued', visible_after=?, updated_at=?
WHERE status='running' AND updated_at < ?`,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		d.Log.Warn("requeued stale running jobs", "count", n)
	}
	return n, err
}

// Prune deletes terminal job rows older than the cutoff, ending their dedup
// window.
func (d *Dispatcher) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := d.now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := d.DB.ExecContext(ctx, `DELETE FROM jobs WHERE status IN ('done','dead') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Counts returns queued/running/done/dead totals per queue, for status output.
func (d *Dispatcher) Counts(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT queue,status,COUNT(1) FROM jobs GROUP BY queue,status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]map[string]int)
	for rows.Next() {
		var q, status string
		var n int
		if err := rows.Scan(&q, &status, &n); err != nil {
			return nil, err
		}
		if out[q] == nil {
			out[q] = make(map[string]int)
		}
		out[q][status] = n
	}
	return out, rows.Err()
}
