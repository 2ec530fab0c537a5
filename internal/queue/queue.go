// Package queue provides the durable job queue behind webhook intake.
//
// Jobs are persisted to SQLite before Enqueue returns, so an accepted
// webhook survives a crash. A fixed worker pool claims pending jobs,
// dispatches them to handlers registered per kind, and retries failures
// with exponential backoff until the attempt budget is spent; the job is
// then dead-lettered with its payload intact.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Queue.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds queue tuning settings.
type Config struct {
	// Workers is the fixed worker pool size. Default: 4.
	Workers int

	// MaxAttempts before a job is dead-lettered. Default: 5.
	MaxAttempts int

	// Backoff is the base retry delay, doubled per attempt. Default: 5s.
	Backoff time.Duration

	// PollInterval is how often idle workers look for work. Default: 1s.
	PollInterval time.Duration

	// StaleAfter is how long an in-flight job may sit before startup
	// recovery requeues it (covers jobs orphaned by a crash). Default: 5m.
	StaleAfter time.Duration
}

// applyDefaults fills zero values with tuning defaults.
func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == 0 {
		c.Backoff = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

// Queue is the SQLite-backed durable job queue.
//
// Thread Safety: all methods are safe for concurrent use. Workers claim
// jobs with a conditional UPDATE, so each job runs on exactly one worker.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger Logger

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	// deadLettered counts jobs that exhausted their attempts, exposed for
	// observability.
	deadLettered atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a queue over the given database connection.
func New(db *sql.DB, cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{
		db:       db,
		cfg:      cfg,
		logger:   noopLogger{},
		handlers: make(map[string]Handler),
	}
}

// SetLogger sets the logger for the queue.
func (q *Queue) SetLogger(logger Logger) {
	q.logger = logger
}

// RegisterHandler registers the handler for a job kind.
// Must be called before Start; later registrations race with dispatch.
func (q *Queue) RegisterHandler(kind string, handler Handler) {
	q.handlersMu.Lock()
	q.handlers[kind] = handler
	q.handlersMu.Unlock()
}

// Enqueue durably persists a job and returns its id.
//
// The row is committed before Enqueue returns: an accepted delivery is
// never lost to a crash between intake and processing.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - kind: Handler selector
//   - payload: Handler input
//
// Returns:
//   - string: The new job id
//   - error: If persistence fails
func (q *Queue) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("job kind is required")
	}

	id := "job-" + uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, kind, payload, status, attempts, available_at, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, kind, string(payload), StatusPending, now, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}

	q.logger.Debug("job enqueued", "job_id", id, "kind", kind)
	return id, nil
}

// Start recovers stale in-flight jobs and launches the worker pool.
// Workers run until the context is cancelled; call Stop to wait for them.
func (q *Queue) Start(ctx context.Context) error {
	requeued, err := q.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recovering stale jobs: %w", err)
	}
	if requeued > 0 {
		q.logger.Warn("requeued stale in-flight jobs", "count", requeued)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(workerCtx, i)
	}

	q.logger.Info("queue workers started", "workers", q.cfg.Workers)
	return nil
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("queue workers stopped")
}

// RecoverStale requeues in-flight jobs older than the staleness threshold.
// Called at startup to rescue jobs orphaned by a crash; they re-run, so
// handlers must be idempotent.
//
// Returns the number of jobs requeued.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-q.cfg.StaleAfter).Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = ?, available_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		StatusPending, now, now, StatusInFlight, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// PruneTerminal deletes done and dead jobs older than the given retention.
// Dead jobs keep their payload until pruned, so a dead-lettered delivery is
// inspectable rather than lost.
//
// Returns the number of rows deleted.
func (q *Queue) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE status IN (?, ?) AND updated_at < ?`,
		StatusDone, StatusDead, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning terminal jobs: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// GetJob loads a job by id, primarily for inspection and tests.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	var (
		j                                Job
		payload                          string
		availableAt, enqueuedAt, updated string
		lastError                        sql.NullString
	)

	err := q.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, status, attempts, available_at, enqueued_at, updated_at, last_error
		 FROM queue_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Kind, &payload, &j.Status, &j.Attempts, &availableAt, &enqueuedAt, &updated, &lastError)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}

	j.Payload = []byte(payload)
	if lastError.Valid {
		j.LastError = lastError.String
	}
	j.AvailableAt, _ = time.Parse(time.RFC3339, availableAt) //nolint:errcheck // format is controlled
	j.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt)   //nolint:errcheck // format is controlled
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updated)       //nolint:errcheck // format is controlled

	return &j, nil
}

// DeadLetteredCount returns how many jobs have been dead-lettered since
// startup.
func (q *Queue) DeadLetteredCount() int64 {
	return q.deadLettered.Load()
}

// workerLoop claims and processes jobs until the context is cancelled.
func (q *Queue) workerLoop(ctx context.Context, worker int) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain available work before going back to sleep.
		for {
			job, ok := q.claimNext(ctx)
			if !ok {
				break
			}
			q.process(ctx, job, worker)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimNext atomically claims the oldest available pending job.
// The conditional UPDATE guarantees a job is claimed by exactly one worker.
func (q *Queue) claimNext(ctx context.Context) (Job, bool) {
	if ctx.Err() != nil {
		return Job{}, false
	}

	now := time.Now().UTC().Format(time.RFC3339)

	var (
		j       Job
		payload string
	)
	err := q.db.QueryRowContext(ctx,
		`UPDATE queue_jobs SET status = ?, updated_at = ?
		 WHERE id = (
		     SELECT id FROM queue_jobs
		     WHERE status = ? AND available_at <= ?
		     ORDER BY available_at LIMIT 1
		 )
		 RETURNING id, kind, payload, attempts`,
		StatusInFlight, now, StatusPending, now,
	).Scan(&j.ID, &j.Kind, &payload, &j.Attempts)
	if err != nil {
		if err != sql.ErrNoRows {
			q.logger.Error("claiming job failed", "error", err)
		}
		return Job{}, false
	}

	j.Payload = []byte(payload)
	j.Status = StatusInFlight
	return j, true
}

// process dispatches a claimed job to its handler and records the outcome.
// Jobs have no external cancellation once in-flight: they run to a terminal
// state even during shutdown.
func (q *Queue) process(ctx context.Context, job Job, worker int) {
	q.handlersMu.RLock()
	handler, ok := q.handlers[job.Kind]
	q.handlersMu.RUnlock()

	if !ok {
		q.fail(ctx, job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	start := time.Now()
	err := q.runHandler(ctx, handler, job)
	if err != nil {
		q.fail(ctx, job, err)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, dbErr := q.db.ExecContext(ctx,
		"UPDATE queue_jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?",
		StatusDone, now, job.ID,
	); dbErr != nil {
		q.logger.Error("marking job done failed", "job_id", job.ID, "error", dbErr)
		return
	}

	q.logger.Debug("job done",
		"job_id", job.ID, "kind", job.Kind, "worker", worker,
		"attempt", job.Attempts+1, "duration", time.Since(start))
}

// runHandler invokes the handler, converting a panic into a failure so one
// bad payload cannot take down the worker pool.
func (q *Queue) runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// fail records a handler failure: retry with backoff while attempts remain,
// dead-letter otherwise.
func (q *Queue) fail(ctx context.Context, job Job, cause error) {
	attempts := job.Attempts + 1
	now := time.Now().UTC()

	if attempts >= q.cfg.MaxAttempts {
		if _, err := q.db.ExecContext(ctx,
			"UPDATE queue_jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?",
			StatusDead, attempts, cause.Error(), now.Format(time.RFC3339), job.ID,
		); err != nil {
			q.logger.Error("dead-lettering job failed", "job_id", job.ID, "error", err)
			return
		}
		q.deadLettered.Add(1)
		q.logger.Error("job dead-lettered",
			"job_id", job.ID, "kind", job.Kind, "attempts", attempts, "error", cause)
		return
	}

	delay := q.cfg.Backoff << (attempts - 1)
	availableAt := now.Add(delay).Format(time.RFC3339)

	if _, err := q.db.ExecContext(ctx,
		"UPDATE queue_jobs SET status = ?, attempts = ?, available_at = ?, last_error = ?, updated_at = ? WHERE id = ?",
		StatusPending, attempts, availableAt, cause.Error(), now.Format(time.RFC3339), job.ID,
	); err != nil {
		q.logger.Error("rescheduling job failed", "job_id", job.ID, "error", err)
		return
	}

	q.logger.Warn("job failed, scheduled for retry",
		"job_id", job.ID, "kind", job.Kind, "attempt", attempts, "delay", delay, "error", cause)
}
