package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedAccount(t *testing.T, s Store) *model.Account {
	t.Helper()
	a := &model.Account{Provider: model.ProviderGmail, Address: "ops@example.com", Connected: true}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func seedMessage(t *testing.T, s Store, accountID, externalID string) *model.Message {
	t.Helper()
	m := &model.Message{
		AccountID:   accountID,
		ExternalID:  externalID,
		Subject:     "Transaction Alert: $45.99 at Amazon",
		Sender:      "alerts@bank.example",
		Recipients:  []string{"ops@example.com"},
		ReceivedAt:  time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		Fingerprint: "fp-" + externalID,
	}
	require.NoError(t, s.InsertMessage(context.Background(), m))
	return m
}

func enqueue(t *testing.T, s Store, typ model.TaskType, messageID string, priority int) *model.QueueJob {
	t.Helper()
	payload, err := json.Marshal(model.Task{Type: typ, AccountID: "a1", MessageID: messageID})
	require.NoError(t, err)
	j := &model.QueueJob{
		Queue:       "mail",
		Type:        typ,
		MessageID:   messageID,
		Priority:    priority,
		MaxAttempts: 3,
		Payload:     payload,
	}
	require.NoError(t, s.InsertJob(context.Background(), j))
	return j
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AccountLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := &model.Account{
			Provider:    model.ProviderIMAP,
			Address:     "inbox@example.com",
			Credentials: json.RawMessage(`{"host":"imap.example.com"}`),
			Connected:   true,
		}
		require.NoError(t, s.CreateAccount(ctx, a))
		assert.NotEmpty(t, a.ID)

		dup := &model.Account{Provider: model.ProviderIMAP, Address: "inbox@example.com"}
		assert.ErrorIs(t, s.CreateAccount(ctx, dup), ErrConflict)

		got, err := s.GetAccount(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "", got.Cursor())
		assert.JSONEq(t, `{"host":"imap.example.com"}`, string(got.Credentials))

		cursor := "9001"
		checked := time.Now().UTC()
		require.NoError(t, s.UpdateAccountCursor(ctx, a.ID, &cursor, checked))
		got, err = s.GetAccount(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "9001", got.Cursor())
		require.NotNil(t, got.LastCheckedAt)

		require.NoError(t, s.SetAccountConnected(ctx, a.ID, false))
		connected, err := s.ListAccounts(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, connected)
		all, err := s.ListAccounts(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		_, err = s.GetAccount(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InsertMessageIsUniqueByExternalID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedAccount(t, s)

		m := seedMessage(t, s, a.ID, "m1")
		assert.Equal(t, model.MessageStatusPending, m.Status)

		again := &model.Message{AccountID: a.ID, ExternalID: "m1", Fingerprint: "other", ReceivedAt: time.Now()}
		err := s.InsertMessage(ctx, again)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetMessageByExternalID(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, []string{"ops@example.com"}, got.Recipients)

		byFP, err := s.FindMessageByFingerprint(ctx, a.ID, "fp-m1")
		require.NoError(t, err)
		assert.Equal(t, m.ID, byFP.ID)

		_, err = s.FindMessageByFingerprint(ctx, a.ID, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentAdmissionSingleRow", func(t *testing.T) {
		s := newStore(t)
		a := seedAccount(t, s)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var created, conflicts int
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.InsertMessage(context.Background(), &model.Message{
					AccountID: a.ID, ExternalID: "race", Fingerprint: "fp", ReceivedAt: time.Now(),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Equal(t, 7, conflicts)
	})

	t.Run("TransitionMessageCompareAndSet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedAccount(t, s)
		m := seedMessage(t, s, a.ID, "m1")

		require.NoError(t, s.TransitionMessage(ctx, m.ID, model.MessageStatusPending, model.MessageStatusProcessing, model.MessagePatch{}))

		// second writer loses
		err := s.TransitionMessage(ctx, m.ID, model.MessageStatusPending, model.MessageStatusProcessing, model.MessagePatch{})
		assert.ErrorIs(t, err, ErrStaleStatus)

		class := model.ClassBanking
		conf := 0.93
		reason := "bank alert"
		require.NoError(t, s.TransitionMessage(ctx, m.ID, model.MessageStatusProcessing, model.MessageStatusClassified,
			model.MessagePatch{Classification: &class, Confidence: &conf, Reasoning: &reason}))

		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusClassified, got.Status)
		assert.Equal(t, model.ClassBanking, got.Classification)
		assert.InDelta(t, 0.93, got.Confidence, 0.0001)
		assert.Equal(t, "bank alert", got.Reasoning)

		err = s.TransitionMessage(ctx, "missing", model.MessageStatusPending, model.MessageStatusProcessing, model.MessagePatch{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MessageErrorAndBody", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedAccount(t, s)
		m := seedMessage(t, s, a.ID, "m1")

		require.NoError(t, s.SetMessageError(ctx, m.ID, "ai timeout"))
		require.NoError(t, s.UpdateMessageBody(ctx, m.ID, "full body"))
		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "ai timeout", got.ErrorMessage)
		assert.Equal(t, "full body", got.Body)
		assert.True(t, got.BodyFetched)
		assert.Equal(t, model.MessageStatusPending, got.Status)

		assert.ErrorIs(t, s.SetMessageError(ctx, "missing", "x"), ErrNotFound)
	})

	t.Run("CompleteExtractionWritesOneRow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedAccount(t, s)
		m := seedMessage(t, s, a.ID, "m1")
		require.NoError(t, s.TransitionMessage(ctx, m.ID, model.MessageStatusPending, model.MessageStatusClassified, model.MessagePatch{}))

		amount := 45.99
		usd := "USD"
		d := &model.ExtractedData{MessageID: m.ID, Amount: &amount, Currency: &usd, Confidence: 0.9}
		require.NoError(t, s.CompleteExtraction(ctx, d, model.MessageStatusClassified))

		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusCompleted, got.Status)

		row, err := s.GetExtractedData(ctx, m.ID)
		require.NoError(t, err)
		require.NotNil(t, row.Amount)
		assert.InDelta(t, 45.99, *row.Amount, 0.001)
		assert.Equal(t, "USD", *row.Currency)
		assert.Nil(t, row.MerchantName)

		// a second completion loses the status race and leaves the row alone
		other := 1.0
		err = s.CompleteExtraction(ctx, &model.ExtractedData{MessageID: m.ID, Amount: &other}, model.MessageStatusClassified)
		assert.ErrorIs(t, err, ErrStaleStatus)
		row, err = s.GetExtractedData(ctx, m.ID)
		require.NoError(t, err)
		assert.InDelta(t, 45.99, *row.Amount, 0.001)

		created, err := s.EnsureExtractedData(ctx, model.PlaceholderExtraction(m.ID))
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("EnsureExtractedDataPlaceholder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedAccount(t, s)
		m := seedMessage(t, s, a.ID, "m4")

		created, err := s.EnsureExtractedData(ctx, model.PlaceholderExtraction(m.ID))
		require.NoError(t, err)
		assert.True(t, created)

		row, err := s.GetExtractedData(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, row.Placeholder)
		assert.Nil(t, row.Amount)
		assert.Zero(t, row.Confidence)

		_, err = s.GetExtractedData(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListStuckMessagesOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedAccount(t, s)

		card := model.ClassCardTransaction
		notFin := model.ClassNotFinancial
		var ids []string
		for i, class := range []*model.Classification{&card, &notFin, &card} {
			m := seedMessage(t, s, a.ID, fmt.Sprintf("m%d", i))
			require.NoError(t, s.TransitionMessage(ctx, m.ID, model.MessageStatusPending, model.MessageStatusClassified,
				model.MessagePatch{Classification: class}))
			ids = append(ids, m.ID)
			time.Sleep(2 * time.Millisecond)
		}

		stuck, err := s.ListStuckMessages(ctx, StuckFilter{
			Status:          model.MessageStatusClassified,
			Classifications: []model.Classification{model.ClassCardTransaction},
			UpdatedBefore:   time.Now().Add(time.Second),
			Limit:           10,
		})
		require.NoError(t, err)
		require.Len(t, stuck, 2)
		assert.Equal(t, ids[0], stuck[0].ID)
		assert.Equal(t, ids[2], stuck[1].ID)

		none, err := s.ListStuckMessages(ctx, StuckFilter{
			Status:        model.MessageStatusClassified,
			UpdatedBefore: time.Now().Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Empty(t, none)

		counts, err := s.CountMessagesByStatus(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, counts[model.MessageStatusClassified])
	})

	t.Run("ClaimOrdersByPriorityThenSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		classify1 := enqueue(t, s, model.TaskClassify, "m1", 5)
		extract := enqueue(t, s, model.TaskExtract, "m2", 3)
		classify2 := enqueue(t, s, model.TaskClassify, "m3", 5)
		assert.Less(t, classify1.Seq, classify2.Seq)

		now := time.Now().Add(time.Second)
		var order []string
		for {
			j, err := s.ClaimJob(ctx, "mail", now)
			require.NoError(t, err)
			if j == nil {
				break
			}
			assert.Equal(t, model.JobStatusActive, j.Status)
			assert.Equal(t, 1, j.Attempts)
			require.NotNil(t, j.StartedAt)
			order = append(order, j.ID)
		}
		assert.Equal(t, []string{extract.ID, classify1.ID, classify2.ID}, order)
	})

	t.Run("DelayedJobsWaitForRunAt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := enqueue(t, s, model.TaskExtract, "m1", 3)

		claimed, err := s.ClaimJob(ctx, "mail", time.Now().Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, claimed)

		runAt := time.Now().Add(time.Hour)
		require.NoError(t, s.RetryJob(ctx, j.ID, runAt, "ai unavailable"))

		none, err := s.ClaimJob(ctx, "mail", time.Now())
		require.NoError(t, err)
		assert.Nil(t, none)

		again, err := s.ClaimJob(ctx, "mail", runAt.Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.Attempts)
		assert.Equal(t, "ai unavailable", again.Error)
	})

	t.Run("JobTerminalStates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ok := enqueue(t, s, model.TaskClassify, "m1", 5)
		bad := enqueue(t, s, model.TaskExtract, "m2", 3)

		open, err := s.HasOpenJob(ctx, "m1", model.TaskClassify)
		require.NoError(t, err)
		assert.True(t, open)

		for i := 0; i < 2; i++ {
			_, err := s.ClaimJob(ctx, "mail", time.Now().Add(time.Second))
			require.NoError(t, err)
		}
		require.NoError(t, s.UpdateJobProgress(ctx, ok.ID, 40))
		require.NoError(t, s.CompleteJob(ctx, ok.ID, json.RawMessage(`{"status":"completed"}`)))
		require.NoError(t, s.FailJob(ctx, bad.ID, "message not found"))

		got, err := s.GetJob(ctx, ok.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.JSONEq(t, `{"status":"completed"}`, string(got.Result))
		require.NotNil(t, got.CompletedAt)

		got, err = s.GetJob(ctx, bad.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, "message not found", got.Error)
		require.NotNil(t, got.FailedAt)

		task, err := got.Task()
		require.NoError(t, err)
		assert.Equal(t, model.TaskExtract, task.Type)

		open, err = s.HasOpenJob(ctx, "m1", model.TaskClassify)
		require.NoError(t, err)
		assert.False(t, open)

		// terminal jobs are not claimable again
		next, err := s.ClaimJob(ctx, "mail", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, next)

		assert.ErrorIs(t, s.CompleteJob(ctx, ok.ID, nil), ErrNotFound)

		counts, err := s.CountJobsByStatus(ctx, "mail")
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.JobStatusCompleted])
		assert.Equal(t, 1, counts[model.JobStatusFailed])

		failed, err := s.ListJobs(ctx, JobFilter{Queue: "mail", Status: model.JobStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, bad.ID, failed[0].ID)

		_, err = s.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentClaimsNeverShareAJob", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 20; i++ {
			enqueue(t, s, model.TaskClassify, fmt.Sprintf("m%d", i), 5)
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.ClaimJob(context.Background(), "mail", time.Now().Add(time.Second))
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if j == nil {
						return
					}
					mu.Lock()
					seen[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 20)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
		}
	})

	t.Run("StalledJobsReleased", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		retryable := enqueue(t, s, model.TaskClassify, "m1", 5)

		last := &model.QueueJob{Queue: "mail", Type: model.TaskExtract, MessageID: "m2", Priority: 3, MaxAttempts: 1,
			Payload: json.RawMessage(`{"type":"extract","message_id":"m2"}`)}
		require.NoError(t, s.InsertJob(ctx, last))

		started := time.Now().Add(time.Second)
		for i := 0; i < 2; i++ {
			j, err := s.ClaimJob(ctx, "mail", started)
			require.NoError(t, err)
			require.NotNil(t, j)
		}

		n, err := s.ReleaseStalledJobs(ctx, "mail", started.Add(-time.Minute), started.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n, "recently started jobs stay active")

		n, err = s.ReleaseStalledJobs(ctx, "mail", started.Add(time.Minute), started.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.GetJob(ctx, retryable.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDelayed, got.Status)
		assert.Contains(t, got.Error, "stalled")

		got, err = s.GetJob(ctx, last.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		require.NotNil(t, got.FailedAt)
	})

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Migrate(context.Background()))
		require.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
