package worker

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/pipeline"
	"github.com/sells-group/mailflow/internal/resilience"
)

// StageRunner executes the per-message stages.
type StageRunner interface {
	Classify(ctx context.Context, in pipeline.StageInput) (*pipeline.StageResult, error)
	Extract(ctx context.Context, in pipeline.StageInput) (*pipeline.StageResult, error)
}

// Syncer checks one account for new mail on demand and reports how many
// messages it admitted.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string) (int, error)
}

// SyncResult is stored as the result of a sync job.
type SyncResult struct {
	AccountID string `json:"account_id"`
	Admitted  int    `json:"admitted"`
}

// Dispatcher routes a claimed job to the handler for its task type.
type Dispatcher struct {
	stages StageRunner
	syncer Syncer
}

// NewDispatcher creates a Dispatcher. syncer may be nil when sync tasks are
// not expected; they then fail permanently.
func NewDispatcher(stages StageRunner, syncer Syncer) *Dispatcher {
	return &Dispatcher{stages: stages, syncer: syncer}
}

// Dispatch decodes job's task and runs it. Undecodable payloads and unknown
// task types are permanent failures.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.QueueJob, progress func(int)) (any, error) {
	task, err := job.Task()
	if err != nil {
		return nil, resilience.Permanent(eris.Wrapf(err, "worker: job %s", job.ID))
	}

	in := pipeline.StageInput{
		Task:        task,
		JobID:       job.ID,
		Attempt:     job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Progress:    progress,
	}

	switch task.Type {
	case model.TaskSync:
		if d.syncer == nil {
			return nil, resilience.Permanent(eris.New("worker: no syncer configured"))
		}
		n, err := d.syncer.SyncAccount(ctx, task.AccountID)
		if err != nil {
			return nil, err
		}
		return &SyncResult{AccountID: task.AccountID, Admitted: n}, nil
	case model.TaskClassify:
		res, err := d.stages.Classify(ctx, in)
		if err != nil {
			return nil, err
		}
		return res, nil
	case model.TaskExtract:
		res, err := d.stages.Extract(ctx, in)
		if err != nil {
			return nil, err
		}
		return res, nil
	default:
		return nil, resilience.Permanent(eris.Errorf("worker: unhandled task type %s", task.Type))
	}
}
