// Package queue is the durable, priority-ordered task queue. Jobs live in the
// store's queue_jobs table; lower priority values run first and ties run in
// enqueue order.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/internal/store"
)

// Config controls queue naming, retry ceilings, and default priorities.
type Config struct {
	Name        string
	MaxAttempts int
	Backoff     resilience.RetryConfig
	Priorities  map[model.TaskType]int
}

// DefaultConfig returns the production queue settings.
func DefaultConfig() Config {
	return Config{
		Name:        "mail",
		MaxAttempts: 3,
		Backoff: resilience.RetryConfig{
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2,
			JitterFraction: 0.1,
		},
		Priorities: map[model.TaskType]int{
			model.TaskSync:     1,
			model.TaskExtract:  3,
			model.TaskClassify: 5,
		},
	}
}

// Option adjusts a job before it is persisted.
type Option func(*model.QueueJob)

// WithPriority overrides the task type's default priority.
func WithPriority(p int) Option {
	return func(j *model.QueueJob) { j.Priority = p }
}

// WithMaxAttempts overrides the configured attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(j *model.QueueJob) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithDelay makes the job runnable only after d.
func WithDelay(d time.Duration) Option {
	return func(j *model.QueueJob) { j.RunAt = j.RunAt.Add(d) }
}

// Queue wraps the store's job table.
type Queue struct {
	store store.Store
	cfg   Config
	wake  chan struct{}
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Queue. Zero config fields fall back to DefaultConfig.
func New(s store.Store, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Priorities == nil {
		cfg.Priorities = def.Priorities
	}
	return &Queue{
		store: s,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "queue"), zap.String("queue", cfg.Name)),
	}
}

// Name returns the queue name jobs are filed under.
func (q *Queue) Name() string { return q.cfg.Name }

// Enqueue validates the task, persists its job row, and wakes an idle worker.
func (q *Queue) Enqueue(ctx context.Context, task model.Task, opts ...Option) (*model.QueueJob, error) {
	if err := task.Validate(); err != nil {
		return nil, eris.Wrap(err, "queue: invalid task")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, eris.Wrap(err, "queue: marshal task")
	}

	job := &model.QueueJob{
		Queue:       q.cfg.Name,
		Type:        task.Type,
		MessageID:   task.MessageID,
		Priority:    q.cfg.Priorities[task.Type],
		MaxAttempts: q.cfg.MaxAttempts,
		Payload:     payload,
		Status:      model.JobStatusWaiting,
		RunAt:       q.now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.RunAt.After(q.now()) {
		job.Status = model.JobStatusDelayed
	}

	if err := q.store.InsertJob(ctx, job); err != nil {
		return nil, eris.Wrapf(err, "queue: enqueue %s", task.Type)
	}

	q.log.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.Stringer("task", task.Type),
		zap.String("message_id", task.MessageID),
		zap.Int("priority", job.Priority),
	)
	q.signal()
	return job, nil
}

// Claim returns the next runnable job, marked active with its attempt
// counted, or nil when the queue has nothing runnable.
func (q *Queue) Claim(ctx context.Context) (*model.QueueJob, error) {
	j, err := q.store.ClaimJob(ctx, q.cfg.Name, q.now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim")
	}
	return j, nil
}

// Progress records a 0-100 completion percentage for an active job.
func (q *Queue) Progress(ctx context.Context, job *model.QueueJob, pct int) error {
	pct = max(0, min(100, pct))
	job.Progress = pct
	return eris.Wrapf(q.store.UpdateJobProgress(ctx, job.ID, pct), "queue: progress %s", job.ID)
}

// Complete stores the job's result and marks it completed.
func (q *Queue) Complete(ctx context.Context, job *model.QueueJob, result any) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "queue: marshal result")
		}
		raw = b
	}
	if err := q.store.CompleteJob(ctx, job.ID, raw); err != nil {
		return eris.Wrapf(err, "queue: complete %s", job.ID)
	}
	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.Result = raw
	return nil
}

// Fail records a failed execution. Permanent errors and exhausted attempts
// leave the job failed for good; anything else is rescheduled after an
// exponential backoff. retrying reports which of the two happened.
func (q *Queue) Fail(ctx context.Context, job *model.QueueJob, cause error) (retrying bool, err error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	job.Error = msg

	if resilience.IsPermanent(cause) || job.LastAttempt() {
		if err := q.store.FailJob(ctx, job.ID, msg); err != nil {
			return false, eris.Wrapf(err, "queue: fail %s", job.ID)
		}
		job.Status = model.JobStatusFailed
		q.log.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.Stringer("task", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Bool("permanent", resilience.IsPermanent(cause)),
			zap.String("error", msg),
		)
		return false, nil
	}

	delay := resilience.Backoff(job.Attempts-1, q.cfg.Backoff)
	runAt := q.now().Add(delay)
	if err := q.store.RetryJob(ctx, job.ID, runAt, msg); err != nil {
		return false, eris.Wrapf(err, "queue: retry %s", job.ID)
	}
	job.Status = model.JobStatusDelayed
	job.RunAt = runAt
	q.log.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Stringer("task", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.String("error", msg),
	)
	return true, nil
}

// ReleaseStalled puts jobs that have been active longer than stallAfter back
// in line, or fails them when their attempts are spent.
func (q *Queue) ReleaseStalled(ctx context.Context, stallAfter time.Duration) (int, error) {
	now := q.now()
	n, err := q.store.ReleaseStalledJobs(ctx, q.cfg.Name, now.Add(-stallAfter), now)
	if err != nil {
		return 0, eris.Wrap(err, "queue: release stalled")
	}
	if n > 0 {
		q.log.Warn("released stalled jobs", zap.Int("count", n), zap.Duration("stall_after", stallAfter))
		q.signal()
	}
	return n, nil
}

// Wake fires after an enqueue so idle workers can claim without waiting for
// their poll tick.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats counts this queue's jobs by status.
func (q *Queue) Stats(ctx context.Context) (map[model.JobStatus]int, error) {
	counts, err := q.store.CountJobsByStatus(ctx, q.cfg.Name)
	return counts, eris.Wrap(err, "queue: stats")
}

// List returns recent jobs matching filter within this queue.
func (q *Queue) List(ctx context.Context, filter store.JobFilter) ([]model.QueueJob, error) {
	filter.Queue = q.cfg.Name
	jobs, err := q.store.ListJobs(ctx, filter)
	return jobs, eris.Wrap(err, "queue: list")
}
