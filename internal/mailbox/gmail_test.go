package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/pkg/gmail"
)

type mockGmail struct {
	mock.Mock
}

func (m *mockGmail) Profile(ctx context.Context) (*gmail.Profile, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gmail.Profile), args.Error(1)
}

func (m *mockGmail) ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error) {
	args := m.Called(ctx, query, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockGmail) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gmail.Message), args.Error(1)
}

func (m *mockGmail) History(ctx context.Context, start uint64) (*gmail.HistoryPage, error) {
	args := m.Called(ctx, start)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gmail.HistoryPage), args.Error(1)
}

func gmailCreds(id, secret string) gmail.Credentials {
	return gmail.Credentials{ClientID: id, ClientSecret: secret}
}

func TestGmail_SeedsCursor(t *testing.T) {
	c := &mockGmail{}
	g := NewGmail(c, "ops@example.com")
	c.On("Profile", mock.Anything).Return(&gmail.Profile{Email: "ops@example.com", HistoryID: 500}, nil).Once()

	ch, err := g.GetChangesSince(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ch.Seeded)
	assert.Equal(t, "500", ch.NewCursor)
	assert.Empty(t, ch.Messages)
}

func TestGmail_ChangesSince(t *testing.T) {
	c := &mockGmail{}
	g := NewGmail(c, "ops@example.com")
	c.On("History", mock.Anything, uint64(500)).Return(&gmail.HistoryPage{Added: []string{"m1", "m2"}, HistoryID: 520}, nil).Once()

	ch, err := g.GetChangesSince(context.Background(), "500")
	require.NoError(t, err)
	assert.False(t, ch.Seeded)
	assert.Equal(t, "520", ch.NewCursor)
	require.Len(t, ch.Messages, 2)
	assert.Equal(t, "m1", ch.Messages[0].ExternalID)
}

func TestGmail_InvalidCursor(t *testing.T) {
	c := &mockGmail{}
	g := NewGmail(c, "ops@example.com")
	c.On("History", mock.Anything, uint64(10)).Return(nil, gmail.ErrHistoryExpired).Once()

	_, err := g.GetChangesSince(context.Background(), "10")
	assert.ErrorIs(t, err, ErrCursorInvalid)

	_, err = g.GetChangesSince(context.Background(), "not-a-number")
	assert.ErrorIs(t, err, ErrCursorInvalid)
}

func TestGmail_ListRecentSkipsUnfetchable(t *testing.T) {
	c := &mockGmail{}
	g := NewGmail(c, "ops@example.com")
	when := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	c.On("ListMessageIDs", mock.Anything, mock.MatchedBy(func(q string) bool {
		return len(q) > len("in:inbox after:")
	}), int64(50)).Return([]string{"m1", "m2"}, nil).Once()
	c.On("GetMessage", mock.Anything, "m1").Return(&gmail.Message{
		ID: "m1", ThreadID: "t1", Subject: "Your receipt", From: "shop@example.com",
		Date: when, Text: "Total $12.00", Snippet: "Total", Labels: []string{"INBOX"},
	}, nil).Once()
	c.On("GetMessage", mock.Anything, "m2").Return(nil, errors.New("boom")).Once()

	got, err := g.ListRecent(context.Background(), 50, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ExternalID)
	assert.Equal(t, "Total $12.00", got[0].Body)
	assert.Equal(t, when, got[0].Date)
	c.AssertExpectations(t)
}

func TestGmail_ListRecentError(t *testing.T) {
	c := &mockGmail{}
	g := NewGmail(c, "ops@example.com")
	c.On("ListMessageIDs", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("list failed")).Once()

	_, err := g.ListRecent(context.Background(), 50, time.Hour)
	assert.Error(t, err)
}

func TestGmail_ValidateCredentials(t *testing.T) {
	c := &mockGmail{}
	g := NewGmail(c, "ops@example.com")
	c.On("Profile", mock.Anything).Return(&gmail.Profile{}, nil).Once()
	require.NoError(t, g.ValidateCredentials(context.Background()))

	c.On("Profile", mock.Anything).Return(nil, context.DeadlineExceeded).Once()
	err := g.ValidateCredentials(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
