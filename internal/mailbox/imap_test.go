package mailbox

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/pkg/imapmail"
)

func newIMAPAccount(t *testing.T) *model.Account {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	creds, err := json.Marshal(imapmail.Config{
		Addr:     l.Addr().String(),
		Username: "username",
		Password: "password",
		Insecure: true,
	})
	require.NoError(t, err)
	return &model.Account{ID: "a1", Provider: model.ProviderIMAP, Address: "username", Credentials: creds}
}

func TestIMAP_CursorLifecycle(t *testing.T) {
	ctx := context.Background()
	mb, err := IMAPFactory(5*time.Second)(ctx, newIMAPAccount(t))
	require.NoError(t, err)

	require.NoError(t, mb.ValidateCredentials(ctx))

	seed, err := mb.GetChangesSince(ctx, "")
	require.NoError(t, err)
	assert.True(t, seed.Seeded)

	ch, err := mb.GetChangesSince(ctx, seed.NewCursor)
	require.NoError(t, err)
	assert.Empty(t, ch.Messages)
	assert.Equal(t, seed.NewCursor, ch.NewCursor)

	st, err := parseState(seed.NewCursor)
	require.NoError(t, err)
	ch, err = mb.GetChangesSince(ctx, formatState(imapmail.State{UIDValidity: st.UIDValidity, UIDNext: 1}))
	require.NoError(t, err)
	require.Len(t, ch.Messages, 1)
	assert.Equal(t, "A little message, just for you", ch.Messages[0].Subject)

	full, err := mb.GetFull(ctx, ch.Messages[0].ExternalID)
	require.NoError(t, err)
	assert.Equal(t, ch.Messages[0].ExternalID, full.ExternalID)

	_, err = mb.GetChangesSince(ctx, formatState(imapmail.State{UIDValidity: st.UIDValidity + 1, UIDNext: 1}))
	assert.ErrorIs(t, err, ErrCursorInvalid)
	_, err = mb.GetChangesSince(ctx, "garbage")
	assert.ErrorIs(t, err, ErrCursorInvalid)
}

func TestIMAP_ExternalIDs(t *testing.T) {
	m := NewIMAP(nil, "Ops@Example.com")
	id := m.externalID(3, 42)
	assert.Equal(t, "imap:ops@example.com:3:42", id)

	v, uid, err := m.parseID(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)
	assert.Equal(t, uint32(42), uid)

	_, _, err = m.parseID("imap:someone@else.com:3:42")
	assert.Error(t, err)
	_, _, err = m.parseID("imap:ops@example.com:x:42")
	assert.Error(t, err)
}

func TestIMAPFactory_BadCredentials(t *testing.T) {
	_, err := IMAPFactory(time.Second)(context.Background(), &model.Account{Credentials: json.RawMessage(`{"addr":""}`)})
	assert.Error(t, err)
}
