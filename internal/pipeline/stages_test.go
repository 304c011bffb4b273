package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/internal/store"
)

var received = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func amazonAlert(id string) *model.RawMessage {
	return &model.RawMessage{
		ExternalID: id,
		Subject:    "Transaction Alert: $45.99 at Amazon",
		From:       "alerts@bank.example",
		To:         []string{"ops@example.com"},
		Date:       received,
		Body:       "Your card ending 4242 was charged $45.99 at Amazon.",
	}
}

func TestFinancialMessageIsClassifiedThenExtracted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("m1"))

	env.classifier.On("Classify", mock.Anything, msg.Subject, msg.Body, msg.Sender).
		Return(&model.ClassifyResult{IsFinancial: true, Confidence: 0.93, Category: "banking", Reasoning: "card charge"}, nil).Once()

	var progress []int
	in := firstAttempt(model.TaskClassify, msg)
	in.Progress = func(pct int) { progress = append(progress, pct) }

	res, err := env.stages.Classify(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusClassified, res.Status)
	assert.Equal(t, model.ClassBanking, res.Classification)
	assert.Equal(t, []int{20, 40, 70, 100}, progress)

	got := env.reload(t, msg.ID)
	assert.Equal(t, model.MessageStatusClassified, got.Status)
	assert.Equal(t, "card charge", got.Reasoning)
	assert.InDelta(t, 0.93, got.Confidence, 0.0001)

	job, err := env.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job, "extract task should be enqueued")
	assert.Equal(t, model.TaskExtract, job.Type)
	assert.Equal(t, msg.ID, job.MessageID)

	env.extractor.On("Extract", mock.Anything, msg.Subject, msg.Body, model.ClassBanking).
		Return(&model.ExtractResult{Amount: ptr(45.99), Currency: ptr("USD"), MerchantName: ptr("Amazon"), Confidence: 0.9}, nil).Once()

	task, err := job.Task()
	require.NoError(t, err)
	res, err = env.stages.Extract(ctx, StageInput{Task: task, JobID: job.ID, Attempt: job.Attempts, MaxAttempts: job.MaxAttempts})
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusCompleted, res.Status)

	data, err := env.store.GetExtractedData(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, data.Amount)
	assert.InDelta(t, 45.99, *data.Amount, 0.0001)
	require.NotNil(t, data.Currency)
	assert.Equal(t, "USD", *data.Currency)
	assert.False(t, data.Placeholder)

	assert.Equal(t, model.MessageStatusCompleted, env.reload(t, msg.ID).Status)
	assert.Equal(t,
		[]model.EventType{model.EventClassified, model.EventExtracted, model.EventCompleted},
		env.eventTypes(msg.ID))
	env.classifier.AssertExpectations(t)
	env.extractor.AssertExpectations(t)
}

func TestNonFinancialMessageCompletesWithoutExtraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, &model.RawMessage{
		ExternalID: "m2", Subject: "Team lunch on Friday", From: "friend@example.com",
		Date: received, Body: "Pizza?",
	})

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: false, Confidence: 0.97, Category: "personal"}, nil).Once()

	res, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusCompleted, res.Status)
	assert.Equal(t, model.ClassNotFinancial, res.Classification)

	_, err = env.store.GetExtractedData(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	job, err := env.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "no extract task for non-financial mail")

	assert.Equal(t, []model.EventType{model.EventClassified, model.EventCompleted}, env.eventTypes(msg.ID))
	env.extractor.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUnknownNonFinancialCategoryIsOther(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, &model.RawMessage{
		ExternalID: "m2b", Subject: "Your package has shipped", From: "ship@example.com",
		Date: received, Body: "Tracking number 1Z999",
	})

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: false, Confidence: 0.8, Category: "shipping_update"}, nil).Once()

	res, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusCompleted, res.Status)
	assert.Equal(t, model.ClassOther, res.Classification)

	job, err := env.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "catch-all without the financial flag is not extracted")
}

func TestClassifierTimeoutFallsBack(t *testing.T) {
	env := newTestEnv(t, func(_ *Deps, cfg *Config) { cfg.AITimeout = 20 * time.Millisecond })
	ctx := context.Background()
	msg := env.admit(t, &model.RawMessage{ExternalID: "m3", Subject: "Hello", From: "x@example.com", Date: received, Body: "hi"})

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	res, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err, "a classifier timeout is not a task failure")
	assert.True(t, res.Degraded)
	assert.Equal(t, model.MessageStatusCompleted, res.Status)

	got := env.reload(t, msg.ID)
	assert.Equal(t, model.MessageStatusCompleted, got.Status)
	assert.Equal(t, model.ClassUnclassified, got.Classification)
	assert.InDelta(t, 0.1, got.Confidence, 0.0001)
	assert.Contains(t, got.Reasoning, "classification unavailable")
	assert.Empty(t, got.ErrorMessage)
}

func TestAlwaysExtractFailureStoresPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("m4"))

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: true, Confidence: 0.88, Category: "card_transaction"}, nil).Once()
	env.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, model.ClassCardTransaction).
		Return(nil, resilience.NewTransientError(errors.New("ai 529 overloaded"), 529)).Once()

	_, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)
	msg = env.reload(t, msg.ID)
	require.Equal(t, model.MessageStatusClassified, msg.Status)

	res, err := env.stages.Extract(ctx, firstAttempt(model.TaskExtract, msg))
	require.NoError(t, err)
	assert.True(t, res.Placeholder)
	assert.Equal(t, model.MessageStatusCompleted, res.Status)

	data, err := env.store.GetExtractedData(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, data.Placeholder)
	assert.Nil(t, data.Amount)
	assert.Nil(t, data.Currency)
	assert.Zero(t, data.Confidence)
	assert.Equal(t, model.MessageStatusCompleted, env.reload(t, msg.ID).Status)
}

func TestConcurrentClassifyAdvancesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("race"))

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: true, Confidence: 0.9, Category: "banking"}, nil).Maybe()

	const workers = 4
	results := make([]*StageResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	advanced := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Skipped == "" {
			advanced++
		}
	}
	assert.Equal(t, 1, advanced)
	env.classifier.AssertNumberOfCalls(t, "Classify", 1)

	jobs, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, jobs[model.JobStatusWaiting], "exactly one extract task")
}

func TestExtractFailureRetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("m6"))

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: true, Confidence: 0.9, Category: "bill"}, nil).Once()
	env.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, model.ClassBill).
		Return(nil, resilience.NewTransientError(errors.New("upstream 503"), 503))

	_, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)
	msg = env.reload(t, msg.ID)

	in := firstAttempt(model.TaskExtract, msg)
	_, err = env.stages.Extract(ctx, in)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	got := env.reload(t, msg.ID)
	assert.Equal(t, model.MessageStatusClassified, got.Status, "non-final failures keep the status")
	assert.Contains(t, got.ErrorMessage, "upstream 503")

	in.Attempt = 3
	_, err = env.stages.Extract(ctx, in)
	require.Error(t, err)

	got = env.reload(t, msg.ID)
	assert.Equal(t, model.MessageStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "upstream 503")

	evs := env.events.ForMessage(msg.ID)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, model.EventFailed, last.Type)
	assert.Contains(t, last.Message, "upstream 503")

	_, err = env.store.GetExtractedData(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinalFailureOfAlwaysExtractKeepsInvariant(t *testing.T) {
	var fs *failingStore
	env := newTestEnv(t, func(d *Deps, _ *Config) {
		fs = &failingStore{Store: d.Store.(store.Store), completeErr: errors.New("connection reset by peer")}
		d.Store = fs
	})
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("m7"))

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: true, Confidence: 0.9, Category: "card_transaction"}, nil).Once()
	env.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything, model.ClassCardTransaction).
		Return(&model.ExtractResult{Amount: ptr(45.99), Confidence: 0.9}, nil)

	_, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)
	msg = env.reload(t, msg.ID)

	in := firstAttempt(model.TaskExtract, msg)
	in.Attempt = in.MaxAttempts
	_, err = env.stages.Extract(ctx, in)
	require.Error(t, err)

	assert.Equal(t, model.MessageStatusFailed, env.reload(t, msg.ID).Status)
	data, err := env.store.GetExtractedData(ctx, msg.ID)
	require.NoError(t, err, "always-extract messages keep a row even when failed")
	assert.True(t, data.Placeholder)
}

func TestClassifyMissingMessageIsPermanent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.stages.Classify(context.Background(), StageInput{
		Task:    model.Task{Type: model.TaskClassify, MessageID: "does-not-exist"},
		Attempt: 1, MaxAttempts: 3,
	})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClassifySkipsAdvancedMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("done"))

	sm := NewStateMachine(env.store)
	require.NoError(t, sm.Advance(ctx, msg, model.MessageStatusProcessing, model.MessagePatch{}))

	// A first attempt does not steal a message another worker is processing.
	res, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Skipped)

	// Extract ignores messages that have not been classified.
	res, err = env.stages.Extract(ctx, firstAttempt(model.TaskExtract, msg))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Skipped)
	env.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestClassifyRecoveryResumesProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("stuck"))
	require.NoError(t, NewStateMachine(env.store).Advance(ctx, msg, model.MessageStatusProcessing, model.MessagePatch{}))

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: false, Confidence: 0.8, Category: "newsletter"}, nil).Once()

	in := firstAttempt(model.TaskClassify, msg)
	in.Task.Recovery = true
	res, err := env.stages.Classify(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, model.MessageStatusCompleted, env.reload(t, msg.ID).Status)
}

func TestLowConfidenceGoesToManualReview(t *testing.T) {
	env := newTestEnv(t, func(d *Deps, _ *Config) {
		p := DefaultPolicy()
		p.ReviewThreshold = 0.7
		d.Policy = p
	})
	ctx := context.Background()
	msg := env.admit(t, amazonAlert("unsure"))

	env.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.ClassifyResult{IsFinancial: true, Confidence: 0.4, Category: "investment"}, nil).Once()

	res, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusManualReview, res.Status)

	job, err := env.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClassifyFetchesFullBodyWhenOnlyPreviewStored(t *testing.T) {
	loader := &mockBodyLoader{}
	env := newTestEnv(t, func(d *Deps, _ *Config) { d.Bodies = loader })
	ctx := context.Background()

	raw := amazonAlert("preview")
	raw.Body, raw.Snippet = "", "Your card ending 4242..."
	msg := env.admit(t, raw)
	require.False(t, msg.BodyFetched)
	require.Equal(t, "Your card ending 4242...", msg.Body)

	loader.On("LoadBody", mock.Anything, "preview").Return("full body text", nil).Once()
	env.classifier.On("Classify", mock.Anything, msg.Subject, "full body text", msg.Sender).
		Return(&model.ClassifyResult{IsFinancial: false, Confidence: 0.6, Category: "other_stuff"}, nil).Once()

	_, err := env.stages.Classify(ctx, firstAttempt(model.TaskClassify, msg))
	require.NoError(t, err)

	got := env.reload(t, msg.ID)
	assert.True(t, got.BodyFetched)
	assert.Equal(t, "full body text", got.Body)
	loader.AssertExpectations(t)
	env.classifier.AssertExpectations(t)
}
