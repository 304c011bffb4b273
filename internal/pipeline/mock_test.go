package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/broadcast"
	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/queue"
	"github.com/sells-group/mailflow/internal/store"
)

// --- Classifier Mock ---

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, subject, body, sender string) (*model.ClassifyResult, error) {
	args := m.Called(ctx, subject, body, sender)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ClassifyResult), args.Error(1)
}

// --- Extractor Mock ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, subject, body string, category model.Classification) (*model.ExtractResult, error) {
	args := m.Called(ctx, subject, body, category)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExtractResult), args.Error(1)
}

// --- Body Loader Mock ---

type mockBodyLoader struct {
	mock.Mock
}

func (m *mockBodyLoader) LoadBody(ctx context.Context, msg *model.Message) (string, error) {
	args := m.Called(ctx, msg.ExternalID)
	return args.String(0), args.Error(1)
}

// failingStore overrides selected writes of a real store.
type failingStore struct {
	store.Store
	completeErr error
}

func (f *failingStore) CompleteExtraction(ctx context.Context, d *model.ExtractedData, from model.MessageStatus) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	return f.Store.CompleteExtraction(ctx, d, from)
}

type testEnv struct {
	store      store.Store
	queue      *queue.Queue
	events     *broadcast.Recent
	classifier *mockClassifier
	extractor  *mockExtractor
	admitter   *Admitter
	stages     *Stages
	account    *model.Account
}

func newTestEnv(t *testing.T, tweak ...func(*Deps, *Config)) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	account := &model.Account{Provider: model.ProviderGmail, Address: "ops@example.com", Connected: true}
	require.NoError(t, s.CreateAccount(context.Background(), account))

	env := &testEnv{
		store:      s,
		queue:      queue.New(s, queue.DefaultConfig()),
		events:     broadcast.NewRecent(64),
		classifier: &mockClassifier{},
		extractor:  &mockExtractor{},
		admitter:   NewAdmitter(s),
		account:    account,
	}
	deps := Deps{
		Store:       s,
		Classifier:  env.classifier,
		Extractor:   env.extractor,
		Queue:       env.queue,
		Broadcaster: env.events,
	}
	cfg := Config{}
	for _, fn := range tweak {
		fn(&deps, &cfg)
	}
	env.stages = NewStages(deps, cfg)
	return env
}

func (e *testEnv) admit(t *testing.T, raw *model.RawMessage) *model.Message {
	t.Helper()
	msg, created, err := e.admitter.Admit(context.Background(), raw, e.account, SourceChanges)
	require.NoError(t, err)
	require.True(t, created)
	return msg
}

func (e *testEnv) reload(t *testing.T, id string) *model.Message {
	t.Helper()
	msg, err := e.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func (e *testEnv) eventTypes(messageID string) []model.EventType {
	var out []model.EventType
	for _, ev := range e.events.ForMessage(messageID) {
		out = append(out, ev.Type)
	}
	return out
}

func firstAttempt(typ model.TaskType, msg *model.Message) StageInput {
	return StageInput{
		Task:        model.Task{Type: typ, AccountID: msg.AccountID, MessageID: msg.ID},
		Attempt:     1,
		MaxAttempts: 3,
	}
}

func ptr[T any](v T) *T { return &v }
