// Package recovery re-triggers pipeline work for messages that stopped
// advancing.
package recovery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/queue"
	"github.com/sells-group/mailflow/internal/store"
)

// Store is the persistence the sweeper reads.
type Store interface {
	ListStuckMessages(ctx context.Context, filter store.StuckFilter) ([]model.Message, error)
	HasOpenJob(ctx context.Context, messageID string, typ model.TaskType) (bool, error)
}

// Queue is where recovered work goes.
type Queue interface {
	Enqueue(ctx context.Context, task model.Task, opts ...queue.Option) (*model.QueueJob, error)
	ReleaseStalled(ctx context.Context, stallAfter time.Duration) (int, error)
}

// Config controls how stale a message must be and how much is recovered per
// sweep.
type Config struct {
	Interval     time.Duration // default 60s
	Grace        time.Duration // default 5m
	BatchSize    int           // default 50
	StallTimeout time.Duration // default 10m
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 10 * time.Minute
	}
	return c
}

// Report counts what one sweep did.
type Report struct {
	Extract  int `json:"extract"`  // CLASSIFIED messages given a fresh extract task
	Classify int `json:"classify"` // PENDING or PROCESSING messages given a classify task
	Skipped  int `json:"skipped"`  // stuck messages that already had an open job
	Released int `json:"released"` // stalled active jobs released for retry
}

// Total is the number of tasks enqueued.
func (r Report) Total() int { return r.Extract + r.Classify }

// Sweeper periodically finds messages stuck before a terminal status and
// enqueues the task that moves them on. It never writes message status.
type Sweeper struct {
	store      Store
	queue      Queue
	categories []model.Classification
	cfg        Config
	now        func() time.Time
	log        *zap.Logger
}

// NewSweeper creates a Sweeper. extractCategories are the classifications
// whose CLASSIFIED messages still need extraction.
func NewSweeper(s Store, q Queue, extractCategories []model.Classification, cfg Config) *Sweeper {
	return &Sweeper{
		store:      s,
		queue:      q,
		categories: extractCategories,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "recovery")),
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("starting recovery sweeper",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("grace", s.cfg.Grace),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("recovery sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one recovery pass. Stalled jobs are released first so their
// messages are not counted as lacking an open job.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report

	released, err := s.queue.ReleaseStalled(ctx, s.cfg.StallTimeout)
	if err != nil {
		return rep, eris.Wrap(err, "recovery: release stalled jobs")
	}
	rep.Released = released

	cutoff := s.now().Add(-s.cfg.Grace)
	passes := []struct {
		status     model.MessageStatus
		categories []model.Classification
		task       model.TaskType
		count      *int
	}{
		{model.MessageStatusClassified, s.categories, model.TaskExtract, &rep.Extract},
		{model.MessageStatusPending, nil, model.TaskClassify, &rep.Classify},
		{model.MessageStatusProcessing, nil, model.TaskClassify, &rep.Classify},
	}

	for _, p := range passes {
		if p.status == model.MessageStatusClassified && len(p.categories) == 0 {
			continue
		}
		msgs, err := s.store.ListStuckMessages(ctx, store.StuckFilter{
			Status:          p.status,
			Classifications: p.categories,
			UpdatedBefore:   cutoff,
			Limit:           s.cfg.BatchSize,
		})
		if err != nil {
			return rep, eris.Wrapf(err, "recovery: list stuck %s messages", p.status)
		}
		for i := range msgs {
			ok, err := s.recover(ctx, &msgs[i], p.task)
			if err != nil {
				return rep, err
			}
			if ok {
				*p.count++
			} else {
				rep.Skipped++
			}
		}
	}

	if rep.Total() > 0 || rep.Released > 0 {
		s.log.Info("recovery sweep complete",
			zap.Int("extract", rep.Extract),
			zap.Int("classify", rep.Classify),
			zap.Int("skipped", rep.Skipped),
			zap.Int("released", rep.Released),
		)
	}
	return rep, nil
}

// recover enqueues typ for msg unless a job for it is still open.
func (s *Sweeper) recover(ctx context.Context, msg *model.Message, typ model.TaskType) (bool, error) {
	open, err := s.store.HasOpenJob(ctx, msg.ID, typ)
	if err != nil {
		return false, eris.Wrapf(err, "recovery: open job check for %s", msg.ID)
	}
	if open {
		return false, nil
	}

	if _, err := s.queue.Enqueue(ctx, model.Task{
		Type:      typ,
		AccountID: msg.AccountID,
		MessageID: msg.ID,
		Recovery:  true,
	}); err != nil {
		return false, eris.Wrapf(err, "recovery: enqueue %s for %s", typ, msg.ID)
	}
	s.log.Info("re-enqueued stuck message",
		zap.String("message_id", msg.ID),
		zap.String("account_id", msg.AccountID),
		zap.Stringer("task", typ),
		zap.String("status", string(msg.Status)),
		zap.Time("updated_at", msg.UpdatedAt),
	)
	return true, nil
}
