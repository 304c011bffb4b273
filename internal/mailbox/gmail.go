package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/pkg/gmail"
)

// Gmail is a Mailbox over the Gmail API. Cursors are Gmail history ids.
type Gmail struct {
	client gmail.Client
	log    *zap.Logger
}

// NewGmail wraps a Gmail client.
func NewGmail(c gmail.Client, address string) *Gmail {
	return &Gmail{
		client: c,
		log:    zap.L().With(zap.String("component", "mailbox"), zap.String("provider", model.ProviderGmail), zap.String("address", address)),
	}
}

// GmailFactory builds Gmail mailboxes from account credentials. Fields
// missing from an account's credentials are taken from defaults.
func GmailFactory(defaults gmail.Credentials, opts ...gmail.Option) Factory {
	return func(ctx context.Context, account *model.Account) (Mailbox, error) {
		creds := defaults
		creds.RefreshToken, creds.AccessToken = "", ""
		if len(account.Credentials) > 0 {
			var own gmail.Credentials
			if err := json.Unmarshal(account.Credentials, &own); err != nil {
				return nil, eris.Wrap(err, "mailbox: decode gmail credentials")
			}
			if own.ClientID != "" {
				creds.ClientID = own.ClientID
			}
			if own.ClientSecret != "" {
				creds.ClientSecret = own.ClientSecret
			}
			creds.RefreshToken = own.RefreshToken
			creds.AccessToken = own.AccessToken
		}
		c, err := gmail.NewClient(ctx, creds, opts...)
		if err != nil {
			return nil, err
		}
		return NewGmail(c, account.Address), nil
	}
}

func (g *Gmail) ListRecent(ctx context.Context, max int, window time.Duration) ([]model.RawMessage, error) {
	query := fmt.Sprintf("in:inbox after:%d", time.Now().Add(-window).Unix())
	ids, err := g.client.ListMessageIDs(ctx, query, int64(max))
	if err != nil {
		return nil, gmailError(err)
	}

	out := make([]model.RawMessage, 0, len(ids))
	for _, id := range ids {
		raw, err := g.GetFull(ctx, id)
		if err != nil {
			g.log.Warn("skipping message that could not be fetched", zap.String("external_id", id), zap.Error(err))
			continue
		}
		out = append(out, *raw)
	}
	return out, nil
}

func (g *Gmail) GetFull(ctx context.Context, externalID string) (*model.RawMessage, error) {
	m, err := g.client.GetMessage(ctx, externalID)
	if err != nil {
		return nil, gmailError(err)
	}
	return &model.RawMessage{
		ExternalID:     m.ID,
		ThreadID:       m.ThreadID,
		Subject:        m.Subject,
		From:           m.From,
		To:             m.To,
		Date:           m.Date,
		Body:           m.Text,
		Snippet:        m.Snippet,
		HasAttachments: m.HasAttachments,
		Labels:         m.Labels,
	}, nil
}

func (g *Gmail) GetChangesSince(ctx context.Context, cursor string) (*Changes, error) {
	if cursor == "" {
		p, err := g.client.Profile(ctx)
		if err != nil {
			return nil, gmailError(err)
		}
		return &Changes{NewCursor: strconv.FormatUint(p.HistoryID, 10), Seeded: true}, nil
	}

	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil || start == 0 {
		return nil, ErrCursorInvalid
	}
	page, err := g.client.History(ctx, start)
	if err != nil {
		if eris.Is(err, gmail.ErrHistoryExpired) {
			return nil, ErrCursorInvalid
		}
		return nil, gmailError(err)
	}

	ch := &Changes{NewCursor: cursor}
	if page.HistoryID > start {
		ch.NewCursor = strconv.FormatUint(page.HistoryID, 10)
	}
	for _, id := range page.Added {
		ch.Messages = append(ch.Messages, model.RawMessage{ExternalID: id})
	}
	return ch, nil
}

func (g *Gmail) ValidateCredentials(ctx context.Context) error {
	_, err := g.client.Profile(ctx)
	return gmailError(err)
}

// gmailError maps client errors onto the retry taxonomy.
func gmailError(err error) error {
	switch {
	case err == nil:
		return nil
	case gmail.IsAuthError(err):
		return resilience.Permanent(eris.Wrap(ErrUnauthorized, err.Error()))
	case gmail.IsRetryable(err):
		return resilience.NewTransientError(err, 0)
	default:
		return err
	}
}
