// Package pipeline owns the per-message lifecycle: admission of discovered
// mail, the status state machine, and the classify and extract stage
// handlers that drive it.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/broadcast"
	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/queue"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/internal/store"
)

// Classifier decides whether a message is financial and which bucket it is.
type Classifier interface {
	Classify(ctx context.Context, subject, body, sender string) (*model.ClassifyResult, error)
}

// Extractor pulls structured transaction fields out of a message.
type Extractor interface {
	Extract(ctx context.Context, subject, body string, category model.Classification) (*model.ExtractResult, error)
}

// BodyLoader fetches a message's full body when only a preview is stored.
type BodyLoader interface {
	LoadBody(ctx context.Context, msg *model.Message) (string, error)
}

// Enqueuer schedules follow-up tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.Task, opts ...queue.Option) (*model.QueueJob, error)
}

// Store is the slice of the store the stages read and write.
type Store interface {
	StatusStore
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	SetMessageError(ctx context.Context, id, errMsg string) error
	UpdateMessageBody(ctx context.Context, id, body string) error
	EnsureExtractedData(ctx context.Context, data *model.ExtractedData) (bool, error)
}

// Deps are the collaborators the stages run against. Bodies and Broadcaster
// are optional.
type Deps struct {
	Store       Store
	Classifier  Classifier
	Extractor   Extractor
	Bodies      BodyLoader
	Queue       Enqueuer
	Broadcaster broadcast.Broadcaster
	Policy      *Policy
}

// Config tunes the stages.
type Config struct {
	AITimeout time.Duration
}

// StageInput describes one execution of a stage.
type StageInput struct {
	Task        model.Task
	JobID       string
	Attempt     int
	MaxAttempts int
	// Progress reports 0-100 completion. Best effort; may be nil.
	Progress func(pct int)
}

// final reports whether a failure of this execution will not be retried.
func (in StageInput) final(err error) bool {
	return resilience.IsPermanent(err) || in.MaxAttempts <= 0 || in.Attempt >= in.MaxAttempts
}

// retried reports whether an earlier execution may have left the message
// in PROCESSING.
func (in StageInput) retried() bool {
	return in.Attempt > 1 || in.Task.Recovery
}

func (in StageInput) progress(pct int) {
	if in.Progress != nil {
		in.Progress(pct)
	}
}

// StageResult summarizes what a stage did; it is stored as the job result.
type StageResult struct {
	MessageID      string               `json:"message_id"`
	Status         model.MessageStatus  `json:"status"`
	Classification model.Classification `json:"classification,omitempty"`
	Confidence     float64              `json:"confidence,omitempty"`
	Degraded       bool                 `json:"degraded,omitempty"`
	Placeholder    bool                 `json:"placeholder,omitempty"`
	Skipped        string               `json:"skipped,omitempty"`
}

// Stages runs the classify and extract handlers.
type Stages struct {
	store      Store
	sm         *StateMachine
	classifier Classifier
	extractor  Extractor
	bodies     BodyLoader
	queue      Enqueuer
	bc         broadcast.Broadcaster
	policy     *Policy
	cfg        Config
	log        *zap.Logger
}

// NewStages wires the stage handlers.
func NewStages(d Deps, cfg Config) *Stages {
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = 30 * time.Second
	}
	if d.Policy == nil {
		d.Policy = DefaultPolicy()
	}
	if d.Broadcaster == nil {
		d.Broadcaster = broadcast.Noop{}
	}
	return &Stages{
		store:      d.Store,
		sm:         NewStateMachine(d.Store),
		classifier: d.Classifier,
		extractor:  d.Extractor,
		bodies:     d.Bodies,
		queue:      d.Queue,
		bc:         d.Broadcaster,
		policy:     d.Policy,
		cfg:        cfg,
		log:        zap.L().With(zap.String("component", "pipeline")),
	}
}

// Policy returns the routing policy the stages apply.
func (s *Stages) Policy() *Policy { return s.policy }

// Classify runs the classify stage for in.Task.MessageID.
func (s *Stages) Classify(ctx context.Context, in StageInput) (*StageResult, error) {
	msg, err := s.load(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := s.classify(ctx, in, msg)
	if err != nil {
		return nil, s.fail(ctx, in, msg, err)
	}
	return res, nil
}

func (s *Stages) classify(ctx context.Context, in StageInput, msg *model.Message) (*StageResult, error) {
	log := s.log.With(
		zap.String("message_id", msg.ID),
		zap.String("account_id", msg.AccountID),
		zap.String("job_id", in.JobID),
		zap.Int("attempt", in.Attempt),
	)

	switch {
	case msg.Status == model.MessageStatusPending:
		err := s.sm.Advance(ctx, msg, model.MessageStatusProcessing, model.MessagePatch{})
		if errors.Is(err, store.ErrStaleStatus) {
			log.Debug("classify lost the race for message")
			return skipped(msg, "already claimed by another classify"), nil
		}
		if err != nil {
			return nil, err
		}
	case msg.Status == model.MessageStatusProcessing && in.retried():
		log.Info("resuming classification of message left in processing")
	default:
		log.Debug("classify skipped", zap.String("status", string(msg.Status)))
		return skipped(msg, "status "+string(msg.Status)), nil
	}
	in.progress(20)

	body := s.ensureBody(ctx, msg, log)
	in.progress(40)

	result := s.runClassifier(ctx, msg, body, log)
	in.progress(70)

	class := s.policy.Map(result.Category, result.IsFinancial)
	patch := model.MessagePatch{
		Classification: &class,
		Confidence:     &result.Confidence,
		Reasoning:      &result.Reasoning,
	}

	var next model.MessageStatus
	switch {
	case !s.policy.RequiresExtraction(class, result.IsFinancial):
		next = model.MessageStatusCompleted
	case s.policy.NeedsReview(class, result.Confidence):
		next = model.MessageStatusManualReview
	default:
		next = model.MessageStatusClassified
	}

	if err := s.sm.Advance(ctx, msg, next, patch); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			log.Info("classification superseded by another worker")
			return skipped(msg, "superseded"), nil
		}
		return nil, err
	}

	log.Info("message classified",
		zap.String("classification", string(class)),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("degraded", result.Degraded),
		zap.String("status", string(next)),
	)
	s.emit(ctx, msg, model.EventClassified, 70, "", map[string]any{
		"classification": class,
		"confidence":     result.Confidence,
		"is_financial":   result.IsFinancial,
		"degraded":       result.Degraded,
		"status":         next,
	})

	switch next {
	case model.MessageStatusClassified:
		// The sweeper re-enqueues extraction if this write is lost.
		if _, err := s.queue.Enqueue(ctx, model.Task{
			Type:      model.TaskExtract,
			AccountID: msg.AccountID,
			MessageID: msg.ID,
		}); err != nil {
			log.Error("failed to enqueue extract task", zap.Error(err))
		}
	case model.MessageStatusCompleted:
		s.emit(ctx, msg, model.EventCompleted, 100, "not financial", nil)
	}
	in.progress(100)

	return &StageResult{
		MessageID:      msg.ID,
		Status:         msg.Status,
		Classification: class,
		Confidence:     result.Confidence,
		Degraded:       result.Degraded,
	}, nil
}

// runClassifier calls the classifier under the AI timeout. Errors, timeouts
// and empty answers all degrade to the fallback result.
func (s *Stages) runClassifier(ctx context.Context, msg *model.Message, body string, log *zap.Logger) *model.ClassifyResult {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.AITimeout)
	defer cancel()

	res, err := s.classifier.Classify(cctx, msg.Subject, body, msg.Sender)
	if err == nil && res == nil {
		err = eris.New("empty classifier response")
	}
	if err != nil {
		log.Warn("classifier unavailable, using fallback", zap.Error(err))
		return FallbackClassification(err)
	}
	return res
}

// FallbackClassification is the low-confidence answer used when the
// classifier cannot give one.
func FallbackClassification(cause error) *model.ClassifyResult {
	reason := "classification unavailable"
	if cause != nil {
		reason += ": " + cause.Error()
	}
	return &model.ClassifyResult{
		IsFinancial: false,
		Confidence:  0.1,
		Category:    string(model.ClassUnclassified),
		Reasoning:   reason,
		Degraded:    true,
	}
}

// Extract runs the extract stage for in.Task.MessageID.
func (s *Stages) Extract(ctx context.Context, in StageInput) (*StageResult, error) {
	msg, err := s.load(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := s.extract(ctx, in, msg)
	if err != nil {
		return nil, s.fail(ctx, in, msg, err)
	}
	return res, nil
}

func (s *Stages) extract(ctx context.Context, in StageInput, msg *model.Message) (*StageResult, error) {
	log := s.log.With(
		zap.String("message_id", msg.ID),
		zap.String("account_id", msg.AccountID),
		zap.String("job_id", in.JobID),
		zap.Int("attempt", in.Attempt),
	)

	if msg.Status != model.MessageStatusClassified {
		log.Debug("extract skipped", zap.String("status", string(msg.Status)))
		return skipped(msg, "status "+string(msg.Status)), nil
	}
	in.progress(10)

	body := s.ensureBody(ctx, msg, log)
	in.progress(30)

	category := msg.Classification
	result, err := s.runExtractor(ctx, msg, body, category)
	in.progress(80)

	var data *model.ExtractedData
	switch {
	case err == nil:
		data = model.NewExtractedData(msg.ID, result)
	case s.policy.IsAlwaysExtract(category):
		log.Warn("extraction failed, storing placeholder", zap.Error(err))
		data = model.PlaceholderExtraction(msg.ID)
	default:
		return nil, err
	}

	if err := s.sm.Complete(ctx, msg, data); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			log.Info("extraction superseded by another worker")
			return skipped(msg, "superseded"), nil
		}
		return nil, err
	}

	log.Info("message extracted",
		zap.Bool("placeholder", data.Placeholder),
		zap.Float64("confidence", data.Confidence),
	)
	s.emit(ctx, msg, model.EventExtracted, 90, "", data)
	s.emit(ctx, msg, model.EventCompleted, 100, "", nil)
	in.progress(100)

	return &StageResult{
		MessageID:      msg.ID,
		Status:         msg.Status,
		Classification: category,
		Confidence:     data.Confidence,
		Degraded:       result != nil && result.Degraded,
		Placeholder:    data.Placeholder,
	}, nil
}

func (s *Stages) runExtractor(ctx context.Context, msg *model.Message, body string, category model.Classification) (*model.ExtractResult, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.AITimeout)
	defer cancel()

	res, err := s.extractor.Extract(cctx, msg.Subject, body, category)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: extract")
	}
	if res == nil {
		return nil, eris.New("pipeline: extract: empty extractor response")
	}
	return res, nil
}

// load fetches the task's message. A missing message is permanent.
func (s *Stages) load(ctx context.Context, in StageInput) (*model.Message, error) {
	if in.Task.MessageID == "" {
		return nil, resilience.Permanent(eris.Errorf("pipeline: %s task without message id", in.Task.Type))
	}
	msg, err := s.store.GetMessage(ctx, in.Task.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.Permanent(eris.Wrapf(err, "pipeline: message %s", in.Task.MessageID))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load message %s", in.Task.MessageID)
	}
	return msg, nil
}

// ensureBody returns the best body available, fetching the full body once
// when only a preview is stored. Fetch failures fall back to the preview.
func (s *Stages) ensureBody(ctx context.Context, msg *model.Message, log *zap.Logger) string {
	if msg.BodyFetched || s.bodies == nil {
		return msg.Body
	}
	body, err := s.bodies.LoadBody(ctx, msg)
	if err != nil || body == "" {
		log.Warn("full body unavailable, using preview", zap.Error(err))
		return msg.Body
	}
	if err := s.store.UpdateMessageBody(ctx, msg.ID, body); err != nil {
		log.Warn("failed to store fetched body", zap.Error(err))
	}
	msg.Body, msg.BodyFetched = body, true
	return body
}

// fail records cause on the message before it propagates to the queue.
// Non-final failures only record the error text; the final one also moves
// the message to FAILED, after writing a placeholder row when the category
// always requires extraction. Bookkeeping errors are logged, never returned.
func (s *Stages) fail(ctx context.Context, in StageInput, msg *model.Message, cause error) error {
	log := s.log.With(
		zap.String("message_id", msg.ID),
		zap.String("job_id", in.JobID),
		zap.Stringer("task", in.Task.Type),
		zap.Int("attempt", in.Attempt),
	)
	errText := cause.Error()

	if !in.final(cause) {
		if err := s.store.SetMessageError(ctx, msg.ID, errText); err != nil {
			log.Error("failed to record message error", zap.Error(err))
		}
		log.Warn("stage failed, will retry", zap.Error(cause))
		return cause
	}

	if s.policy.IsAlwaysExtract(msg.Classification) {
		if _, err := s.store.EnsureExtractedData(ctx, model.PlaceholderExtraction(msg.ID)); err != nil {
			log.Error("failed to store placeholder extraction", zap.Error(err))
		}
	}

	// Re-read so the compare-and-set sees the status as it is now.
	if cur, err := s.store.GetMessage(ctx, msg.ID); err == nil {
		msg = cur
	}
	log.Error("stage failed", zap.Error(cause))
	if !CanTransition(msg.Status, model.MessageStatusFailed) {
		log.Info("message already finished, leaving status", zap.String("status", string(msg.Status)))
		return cause
	}
	if err := s.sm.Advance(ctx, msg, model.MessageStatusFailed, model.MessagePatch{ErrorMessage: &errText}); err != nil {
		log.Error("failed to mark message failed", zap.Error(err))
	}
	s.emit(ctx, msg, model.EventFailed, 0, errText, nil)
	return cause
}

func (s *Stages) emit(ctx context.Context, msg *model.Message, typ model.EventType, pct int, text string, data any) {
	broadcast.Emit(ctx, s.bc, model.Event{
		Type:      typ,
		MessageID: msg.ID,
		AccountID: msg.AccountID,
		Progress:  broadcast.Progress(pct),
		Message:   text,
		Data:      data,
	})
}

func skipped(msg *model.Message, why string) *StageResult {
	return &StageResult{
		MessageID:      msg.ID,
		Status:         msg.Status,
		Classification: msg.Classification,
		Skipped:        why,
	}
}
