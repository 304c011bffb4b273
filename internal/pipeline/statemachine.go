package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mailflow/internal/model"
)

// ErrIllegalTransition is returned when a status write does not follow an
// edge of the message lifecycle.
var ErrIllegalTransition = eris.New("pipeline: illegal status transition")

// edges lists every legal from -> to status write. Terminal statuses have
// no outgoing edges.
var edges = map[model.MessageStatus][]model.MessageStatus{
	model.MessageStatusPending: {
		model.MessageStatusProcessing,
		model.MessageStatusFailed,
	},
	model.MessageStatusProcessing: {
		model.MessageStatusClassified,
		model.MessageStatusCompleted,
		model.MessageStatusManualReview,
		model.MessageStatusFailed,
	},
	model.MessageStatusClassified: {
		model.MessageStatusCompleted,
		model.MessageStatusFailed,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.MessageStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusStore is the slice of the store the state machine writes through.
type StatusStore interface {
	TransitionMessage(ctx context.Context, id string, from, to model.MessageStatus, patch model.MessagePatch) error
	CompleteExtraction(ctx context.Context, data *model.ExtractedData, from model.MessageStatus) error
}

// StateMachine is the only writer of Message.Status. Every write is a
// compare-and-set against the status the caller last observed, so a racing
// writer surfaces as store.ErrStaleStatus instead of a silent overwrite.
type StateMachine struct {
	store StatusStore
}

// NewStateMachine creates a StateMachine over s.
func NewStateMachine(s StatusStore) *StateMachine {
	return &StateMachine{store: s}
}

// Advance moves msg from its current status to `to`, writing patch in the
// same statement. On success msg is updated in place.
func (sm *StateMachine) Advance(ctx context.Context, msg *model.Message, to model.MessageStatus, patch model.MessagePatch) error {
	from := msg.Status
	if !CanTransition(from, to) {
		return eris.Wrapf(ErrIllegalTransition, "message %s: %s -> %s", msg.ID, from, to)
	}
	if err := sm.store.TransitionMessage(ctx, msg.ID, from, to, patch); err != nil {
		return eris.Wrapf(err, "pipeline: %s -> %s", from, to)
	}
	msg.Status = to
	applyPatch(msg, patch)
	return nil
}

// Complete stores the message's extracted row and moves it to COMPLETED in
// one transaction.
func (sm *StateMachine) Complete(ctx context.Context, msg *model.Message, data *model.ExtractedData) error {
	from := msg.Status
	if !CanTransition(from, model.MessageStatusCompleted) {
		return eris.Wrapf(ErrIllegalTransition, "message %s: %s -> %s", msg.ID, from, model.MessageStatusCompleted)
	}
	data.MessageID = msg.ID
	if err := sm.store.CompleteExtraction(ctx, data, from); err != nil {
		return eris.Wrapf(err, "pipeline: complete %s", msg.ID)
	}
	msg.Status = model.MessageStatusCompleted
	msg.ErrorMessage = ""
	return nil
}

func applyPatch(msg *model.Message, p model.MessagePatch) {
	if p.Classification != nil {
		msg.Classification = *p.Classification
	}
	if p.Confidence != nil {
		msg.Confidence = *p.Confidence
	}
	if p.Reasoning != nil {
		msg.Reasoning = *p.Reasoning
	}
	if p.ErrorMessage != nil {
		msg.ErrorMessage = *p.ErrorMessage
	}
}
