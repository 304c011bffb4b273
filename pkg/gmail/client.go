// Package gmail is a read-only Gmail API client for mailbox monitoring.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sells-group/mailflow/pkg/mailtext"
)

const userID = "me"

// ErrHistoryExpired is returned by History when Gmail no longer has records
// for the requested start id.
var ErrHistoryExpired = eris.New("gmail: history id expired")

// Client defines the Gmail operations used by the mailbox layer.
type Client interface {
	Profile(ctx context.Context) (*Profile, error)
	ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	History(ctx context.Context, startHistoryID uint64) (*HistoryPage, error)
}

// Credentials is the OAuth material stored per account.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
}

// Validate checks the fields needed to refresh an access token.
func (c Credentials) Validate() error {
	switch {
	case c.RefreshToken == "" && c.AccessToken == "":
		return eris.New("gmail: credentials need a refresh or access token")
	case c.RefreshToken != "" && (c.ClientID == "" || c.ClientSecret == ""):
		return eris.New("gmail: refresh token requires client_id and client_secret")
	}
	return nil
}

// Profile is the mailbox summary.
type Profile struct {
	Email         string
	HistoryID     uint64
	MessagesTotal int64
}

// HistoryPage lists the messages added since a history id, oldest first, and
// the mailbox's current history id.
type HistoryPage struct {
	Added     []string
	HistoryID uint64
}

// Message is a decoded Gmail message.
type Message struct {
	ID             string
	ThreadID       string
	Subject        string
	From           string
	To             []string
	Date           time.Time
	Snippet        string
	Text           string
	HasAttachments bool
	Labels         []string
	HistoryID      uint64
}

// Option configures the client.
type Option func(*options)

type options struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithHTTPClient uses hc as-is instead of an OAuth client built from the
// credentials.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// WithTimeout sets the per-request timeout of the OAuth client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

type apiClient struct {
	svc *gm.Service
}

// NewClient creates a Gmail client for one mailbox.
func NewClient(ctx context.Context, creds Credentials, opts ...Option) (Client, error) {
	o := options{timeout: 60 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	hc := o.http
	if hc == nil {
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		cfg := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gm.GmailReadonlyScope},
		}
		base := &http.Client{
			Timeout: o.timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
		// Token refreshes outlive ctx, so they get their own root context.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc = cfg.Client(tokenCtx, &oauth2.Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
		})
	}

	svcOpts := []option.ClientOption{option.WithHTTPClient(hc)}
	if o.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(o.endpoint))
	}
	svc, err := gm.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "gmail: create service")
	}
	return &apiClient{svc: svc}, nil
}

func (c *apiClient) Profile(ctx context.Context) (*Profile, error) {
	p, err := c.svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return nil, eris.Wrap(err, "gmail: get profile")
	}
	return &Profile{Email: p.EmailAddress, HistoryID: p.HistoryId, MessagesTotal: p.MessagesTotal}, nil
}

// ListMessageIDs returns up to max message ids matching query, newest first.
func (c *apiClient) ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error) {
	var ids []string
	pageToken := ""
	remaining := max

	for remaining > 0 {
		pageSize := remaining
		if pageSize > 500 {
			pageSize = 500
		}
		call := c.svc.Users.Messages.List(userID).Q(query).MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, eris.Wrap(err, "gmail: list messages")
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		remaining -= int64(len(resp.Messages))
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

func (c *apiClient) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := c.svc.Users.Messages.Get(userID, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, eris.Wrapf(err, "gmail: get message %s", id)
	}
	return decodeMessage(msg), nil
}

// History pages through inbox additions since startHistoryID.
func (c *apiClient) History(ctx context.Context, startHistoryID uint64) (*HistoryPage, error) {
	page := &HistoryPage{}
	seen := make(map[string]bool)

	err := c.svc.Users.History.List(userID).
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		LabelId("INBOX").
		Pages(ctx, func(resp *gm.ListHistoryResponse) error {
			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil || seen[added.Message.Id] {
						continue
					}
					seen[added.Message.Id] = true
					page.Added = append(page.Added, added.Message.Id)
				}
			}
			if resp.HistoryId > page.HistoryID {
				page.HistoryID = resp.HistoryId
			}
			return nil
		})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, ErrHistoryExpired
		}
		return nil, eris.Wrap(err, "gmail: list history")
	}
	return page, nil
}

// IsRetryable reports whether err is a rate limit, a server error, or a
// network timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAuthError reports whether Gmail rejected the credentials.
func IsAuthError(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden
	}
	var rerr *oauth2.RetrieveError
	return errors.As(err, &rerr)
}

func decodeMessage(msg *gm.Message) *Message {
	m := &Message{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
		Labels:    msg.LabelIds,
		HistoryID: msg.HistoryId,
	}
	if msg.InternalDate > 0 {
		m.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return m
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			m.Subject = mailtext.DecodeHeader(h.Value)
		case "from":
			m.From = mailtext.DecodeHeader(h.Value)
		case "to":
			m.To = parseAddressList(h.Value)
		case "date":
			if m.Date.IsZero() {
				if t, err := mail.ParseDate(h.Value); err == nil {
					m.Date = t.UTC()
				}
			}
		}
	}

	var plain, html string
	walkParts(msg.Payload, &plain, &html, &m.HasAttachments)
	switch {
	case plain != "":
		m.Text = mailtext.Clean(plain)
	case html != "":
		m.Text = mailtext.HTMLToText(html)
	}
	return m
}

// walkParts keeps the first text/plain and text/html bodies it finds.
func walkParts(p *gm.MessagePart, plain, html *string, attachments *bool) {
	if p.Filename != "" || (p.Body != nil && p.Body.AttachmentId != "") {
		*attachments = true
	} else if p.Body != nil && p.Body.Data != "" {
		if data, ok := decodeData(p.Body.Data); ok {
			switch strings.ToLower(p.MimeType) {
			case "text/plain":
				if *plain == "" {
					*plain = data
				}
			case "text/html":
				if *html == "" {
					*html = data
				}
			}
		}
	}
	for _, part := range p.Parts {
		walkParts(part, plain, html, attachments)
	}
}

func decodeData(s string) (string, bool) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(b), true
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return string(b), true
	}
	return "", false
}

func parseAddressList(v string) []string {
	list, err := mail.ParseAddressList(v)
	if err != nil {
		if a := mailtext.Address(v); a != "" {
			return []string{a}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}
