package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/pkg/imapmail"
	"github.com/sells-group/mailflow/pkg/mailtext"
)

// changeBatch caps how many new messages one change query returns. The
// cursor only advances past what was returned.
const changeBatch = 200

// IMAP is a Mailbox over an IMAP folder. Cursors are "uidvalidity:uidnext"
// and external ids are "imap:<user>:<uidvalidity>:<uid>".
type IMAP struct {
	client *imapmail.Client
	user   string
}

// NewIMAP wraps an IMAP client for user.
func NewIMAP(c *imapmail.Client, user string) *IMAP {
	return &IMAP{client: c, user: strings.ToLower(user)}
}

// IMAPFactory builds IMAP mailboxes from account credentials, which decode
// into imapmail.Config.
func IMAPFactory(timeout time.Duration) Factory {
	return func(_ context.Context, account *model.Account) (Mailbox, error) {
		var cfg imapmail.Config
		if err := json.Unmarshal(account.Credentials, &cfg); err != nil {
			return nil, eris.Wrap(err, "mailbox: decode imap credentials")
		}
		if cfg.Username == "" {
			cfg.Username = account.Address
		}
		cfg.Timeout = timeout
		c, err := imapmail.New(cfg)
		if err != nil {
			return nil, err
		}
		return NewIMAP(c, cfg.Username), nil
	}
}

func (m *IMAP) ListRecent(ctx context.Context, max int, window time.Duration) ([]model.RawMessage, error) {
	msgs, err := m.client.Recent(ctx, window, max)
	if err != nil {
		return nil, m.wrap(err)
	}
	return m.toRaw(msgs), nil
}

func (m *IMAP) GetFull(ctx context.Context, externalID string) (*model.RawMessage, error) {
	validity, uid, err := m.parseID(externalID)
	if err != nil {
		return nil, err
	}
	msg, err := m.client.Get(ctx, uid)
	if err != nil {
		return nil, m.wrap(err)
	}
	if msg.UIDValidity != validity {
		return nil, eris.Errorf("mailbox: message %s is from an earlier uid validity", externalID)
	}
	raw := m.toRaw([]*imapmail.Message{msg})
	return &raw[0], nil
}

func (m *IMAP) GetChangesSince(ctx context.Context, cursor string) (*Changes, error) {
	if cursor == "" {
		st, err := m.client.State(ctx)
		if err != nil {
			return nil, m.wrap(err)
		}
		return &Changes{NewCursor: formatState(st), Seeded: true}, nil
	}

	after, err := parseState(cursor)
	if err != nil {
		return nil, ErrCursorInvalid
	}
	msgs, next, err := m.client.NewSince(ctx, after, changeBatch)
	if err != nil {
		if eris.Is(err, imapmail.ErrUIDValidityChanged) {
			return nil, ErrCursorInvalid
		}
		return nil, m.wrap(err)
	}
	return &Changes{Messages: m.toRaw(msgs), NewCursor: formatState(next)}, nil
}

func (m *IMAP) ValidateCredentials(ctx context.Context) error {
	return m.wrap(m.client.Verify(ctx))
}

func (m *IMAP) wrap(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "login") {
		return resilience.Permanent(eris.Wrap(ErrUnauthorized, err.Error()))
	}
	return err
}

func (m *IMAP) externalID(validity, uid uint32) string {
	return fmt.Sprintf("imap:%s:%d:%d", m.user, validity, uid)
}

func (m *IMAP) parseID(id string) (validity, uid uint32, err error) {
	prefix := "imap:" + m.user + ":"
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return 0, 0, eris.Errorf("mailbox: %q is not an id for %s", id, m.user)
	}
	st, err := parseState(rest)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "mailbox: external id %q", id)
	}
	return st.UIDValidity, st.UIDNext, nil
}

func (m *IMAP) toRaw(msgs []*imapmail.Message) []model.RawMessage {
	out := make([]model.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, model.RawMessage{
			ExternalID:     m.externalID(msg.UIDValidity, msg.UID),
			Subject:        msg.Subject,
			From:           msg.From,
			To:             msg.To,
			Date:           msg.Date,
			Body:           msg.Text,
			Snippet:        mailtext.Snippet(msg.Text, 200),
			HasAttachments: msg.HasAttachments,
			Labels:         msg.Flags,
		})
	}
	return out
}

func formatState(st imapmail.State) string {
	return fmt.Sprintf("%d:%d", st.UIDValidity, st.UIDNext)
}

func parseState(s string) (imapmail.State, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return imapmail.State{}, eris.Errorf("mailbox: malformed cursor %q", s)
	}
	v, err := strconv.ParseUint(a, 10, 32)
	if err != nil {
		return imapmail.State{}, eris.Wrap(err, "mailbox: cursor validity")
	}
	n, err := strconv.ParseUint(b, 10, 32)
	if err != nil {
		return imapmail.State{}, eris.Wrap(err, "mailbox: cursor uid")
	}
	return imapmail.State{UIDValidity: uint32(v), UIDNext: uint32(n)}, nil
}
