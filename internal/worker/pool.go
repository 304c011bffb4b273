// Package worker runs queued tasks on a bounded set of concurrent loops.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mailflow/internal/model"
)

// JobQueue is the queue surface the pool consumes.
type JobQueue interface {
	Claim(ctx context.Context) (*model.QueueJob, error)
	Progress(ctx context.Context, job *model.QueueJob, pct int) error
	Complete(ctx context.Context, job *model.QueueJob, result any) error
	Fail(ctx context.Context, job *model.QueueJob, cause error) (bool, error)
	Wake() <-chan struct{}
}

// Handler executes one claimed job.
type Handler interface {
	Dispatch(ctx context.Context, job *model.QueueJob, progress func(int)) (any, error)
}

// Config sizes the pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
}

// Stats are cumulative counters since the pool was created.
type Stats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}

// Pool pulls jobs from the queue and executes them.
type Pool struct {
	queue   JobQueue
	handler Handler
	cfg     Config
	log     *zap.Logger

	active    atomic.Int64
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a Pool. Concurrency defaults to 2 and the poll interval
// to one second.
func NewPool(q JobQueue, h Handler, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		queue:   q,
		handler: h,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "worker")),
	}
}

// Run starts the worker loops and blocks until ctx is cancelled and every
// in-flight job has finished.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
	)
	return err
}

// Drain executes runnable jobs on the calling goroutine until the queue has
// none left, returning how many ran.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			return n, err
		}
		if job == nil {
			return n, nil
		}
		p.execute(ctx, job, p.log)
		n++
	}
	return n, ctx.Err()
}

// Stats returns the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Retried:   p.retried.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claim failed", zap.Error(err))
			}
		} else if job != nil {
			// Started jobs always run to completion, even during shutdown.
			p.execute(context.WithoutCancel(ctx), job, log)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.queue.Wake():
		}
	}
}

func (p *Pool) execute(ctx context.Context, job *model.QueueJob, log *zap.Logger) {
	p.active.Add(1)
	defer p.active.Add(-1)

	log = log.With(
		zap.String("job_id", job.ID),
		zap.Stringer("task", job.Type),
		zap.String("message_id", job.MessageID),
		zap.Int("attempt", job.Attempts),
	)
	start := time.Now()

	progress := func(pct int) {
		if err := p.queue.Progress(ctx, job, pct); err != nil {
			log.Debug("progress update failed", zap.Error(err))
		}
	}

	result, err := p.run(ctx, job, progress)
	if err != nil {
		retrying, ferr := p.queue.Fail(ctx, job, err)
		if ferr != nil {
			log.Error("failed to record job failure", zap.Error(ferr), zap.NamedError("cause", err))
			return
		}
		if retrying {
			p.retried.Add(1)
		} else {
			p.failed.Add(1)
		}
		return
	}

	if err := p.queue.Complete(ctx, job, result); err != nil {
		log.Error("failed to record job completion", zap.Error(err))
		return
	}
	p.completed.Add(1)
	log.Debug("job completed", zap.Duration("elapsed", time.Since(start)))
}

// run invokes the handler and reports a panic as an ordinary failure.
func (p *Pool) run(ctx context.Context, job *model.QueueJob, progress func(int)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("worker: panic: %v", r)
		}
	}()
	return p.handler.Dispatch(ctx, job, progress)
}
