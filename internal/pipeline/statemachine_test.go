package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/store"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.MessageStatus
		want     bool
	}{
		{model.MessageStatusPending, model.MessageStatusProcessing, true},
		{model.MessageStatusPending, model.MessageStatusFailed, true},
		{model.MessageStatusPending, model.MessageStatusClassified, false},
		{model.MessageStatusPending, model.MessageStatusCompleted, false},
		{model.MessageStatusProcessing, model.MessageStatusClassified, true},
		{model.MessageStatusProcessing, model.MessageStatusCompleted, true},
		{model.MessageStatusProcessing, model.MessageStatusManualReview, true},
		{model.MessageStatusProcessing, model.MessageStatusFailed, true},
		{model.MessageStatusProcessing, model.MessageStatusPending, false},
		{model.MessageStatusClassified, model.MessageStatusCompleted, true},
		{model.MessageStatusClassified, model.MessageStatusFailed, true},
		{model.MessageStatusClassified, model.MessageStatusProcessing, false},
		{model.MessageStatusCompleted, model.MessageStatusFailed, false},
		{model.MessageStatusFailed, model.MessageStatusPending, false},
		{model.MessageStatusManualReview, model.MessageStatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range []model.MessageStatus{model.MessageStatusCompleted, model.MessageStatusFailed, model.MessageStatusManualReview} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, edges[s], "%s must have no outgoing edges", s)
	}
}

func TestStateMachine_Advance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("sm-1"))
	sm := NewStateMachine(env.store)

	err := sm.Advance(ctx, msg, model.MessageStatusCompleted, model.MessagePatch{})
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, model.MessageStatusPending, msg.Status)

	require.NoError(t, sm.Advance(ctx, msg, model.MessageStatusProcessing, model.MessagePatch{}))
	class := model.ClassReceipt
	require.NoError(t, sm.Advance(ctx, msg, model.MessageStatusClassified, model.MessagePatch{
		Classification: &class,
		Confidence:     ptr(0.75),
	}))
	assert.Equal(t, model.ClassReceipt, msg.Classification)

	got := env.reload(t, msg.ID)
	assert.Equal(t, model.MessageStatusClassified, got.Status)
	assert.Equal(t, model.ClassReceipt, got.Classification)
}

func TestStateMachine_StaleCopyLosesRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("sm-2"))
	sm := NewStateMachine(env.store)

	stale := *msg
	require.NoError(t, sm.Advance(ctx, msg, model.MessageStatusProcessing, model.MessagePatch{}))

	err := sm.Advance(ctx, &stale, model.MessageStatusProcessing, model.MessagePatch{})
	assert.ErrorIs(t, err, store.ErrStaleStatus)
	assert.Equal(t, model.MessageStatusPending, stale.Status, "failed writes leave the copy untouched")
}

func TestStateMachine_CompleteRequiresLegalEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("sm-3"))
	sm := NewStateMachine(env.store)

	err := sm.Complete(ctx, msg, model.PlaceholderExtraction(msg.ID))
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = env.store.GetExtractedData(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "illegal completion writes nothing")
}
