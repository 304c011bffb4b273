// Package imapmail reads a single IMAP mailbox for monitoring. Each call
// opens its own session so the client is safe for concurrent use.
package imapmail

import (
	"context"
	"crypto/tls"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rotisserie/eris"
)

// ErrUIDValidityChanged means previously issued UIDs no longer identify the
// same messages.
var ErrUIDValidityChanged = eris.New("imapmail: uid validity changed")

// Config holds connection settings for one mailbox.
type Config struct {
	Addr     string `json:"addr"` // host:port
	Username string `json:"username"`
	Password string `json:"password"`
	Mailbox  string `json:"mailbox,omitempty"`
	// Insecure dials without TLS. Only for local servers.
	Insecure bool          `json:"insecure,omitempty"`
	Timeout  time.Duration `json:"-"`
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Addr == "" || c.Username == "" || c.Password == "" {
		return eris.New("imapmail: addr, username and password are required")
	}
	return nil
}

// State identifies a position in the mailbox.
type State struct {
	UIDValidity uint32
	UIDNext     uint32
}

// Client reads messages from one mailbox.
type Client struct {
	cfg Config
}

// New creates a Client. The mailbox defaults to INBOX and the command
// timeout to 30 seconds.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg}, nil
}

type session struct {
	c      *client.Client
	status *imap.MailboxStatus
	stop   func() bool
}

// open dials, logs in and selects the mailbox read-only. Cancelling ctx
// terminates the connection.
func (cl *Client) open(ctx context.Context) (*session, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "imapmail: open")
	}
	var (
		c   *client.Client
		err error
	)
	if cl.cfg.Insecure {
		c, err = client.Dial(cl.cfg.Addr)
	} else {
		c, err = client.DialTLS(cl.cfg.Addr, &tls.Config{MinVersion: tls.VersionTLS12})
	}
	if err != nil {
		return nil, eris.Wrapf(err, "imapmail: dial %s", cl.cfg.Addr)
	}
	c.Timeout = cl.cfg.Timeout

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })

	if err := c.Login(cl.cfg.Username, cl.cfg.Password); err != nil {
		stop()
		_ = c.Terminate()
		return nil, eris.Wrap(err, "imapmail: login")
	}
	status, err := c.Select(cl.cfg.Mailbox, true)
	if err != nil {
		stop()
		_ = c.Logout()
		return nil, eris.Wrapf(err, "imapmail: select %s", cl.cfg.Mailbox)
	}
	return &session{c: c, status: status, stop: stop}, nil
}

func (s *session) close() {
	s.stop()
	_ = s.c.Logout()
}

// Verify logs in and selects the mailbox.
func (cl *Client) Verify(ctx context.Context) error {
	s, err := cl.open(ctx)
	if err != nil {
		return err
	}
	s.close()
	return nil
}

// State reports the mailbox's UID validity and next UID.
func (cl *Client) State(ctx context.Context) (State, error) {
	s, err := cl.open(ctx)
	if err != nil {
		return State{}, err
	}
	defer s.close()
	return State{UIDValidity: s.status.UidValidity, UIDNext: s.status.UidNext}, nil
}

// NewSince returns messages with a UID above after.UIDNext-1, in UID order,
// and the mailbox's current state. ErrUIDValidityChanged is returned when
// after was issued under a different UID validity.
func (cl *Client) NewSince(ctx context.Context, after State, max int) ([]*Message, State, error) {
	s, err := cl.open(ctx)
	if err != nil {
		return nil, State{}, err
	}
	defer s.close()

	now := State{UIDValidity: s.status.UidValidity, UIDNext: s.status.UidNext}
	if after.UIDValidity != now.UIDValidity {
		return nil, now, ErrUIDValidityChanged
	}
	if now.UIDNext <= after.UIDNext {
		return nil, now, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(after.UIDNext, 0)
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, now, eris.Wrap(err, "imapmail: uid search")
	}
	// "n:*" always matches the highest UID, even when it is below n.
	kept := uids[:0]
	for _, u := range uids {
		if u >= after.UIDNext {
			kept = append(kept, u)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	if max > 0 && len(kept) > max {
		kept = kept[:max]
		now.UIDNext = kept[len(kept)-1] + 1
	}

	msgs, err := s.fetch(kept)
	if err != nil {
		return nil, now, err
	}
	return msgs, now, nil
}

// Recent returns up to max messages received within window, newest first.
func (cl *Client) Recent(ctx context.Context, window time.Duration, max int) ([]*Message, error) {
	s, err := cl.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	criteria := imap.NewSearchCriteria()
	criteria.Since = time.Now().Add(-window)
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, eris.Wrap(err, "imapmail: search recent")
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if max > 0 && len(uids) > max {
		uids = uids[:max]
	}
	return s.fetch(uids)
}

// Get fetches one message by UID.
func (cl *Client) Get(ctx context.Context, uid uint32) (*Message, error) {
	s, err := cl.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	msgs, err := s.fetch([]uint32{uid})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, eris.Errorf("imapmail: no message with uid %d", uid)
	}
	return msgs[0], nil
}

// fetch retrieves and parses uids, returned in the order requested.
func (s *session) fetch(uids []uint32) ([]*Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := new(imap.SeqSet)
	set.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, imap.FetchFlags, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(set, items, ch)
	}()

	byUID := make(map[uint32]*Message, len(uids))
	var parseErr error
	for m := range ch {
		r := m.GetBody(section)
		if r == nil {
			continue
		}
		parsed, err := Parse(r)
		if err != nil {
			if parseErr == nil {
				parseErr = eris.Wrapf(err, "imapmail: parse uid %d", m.Uid)
			}
			continue
		}
		parsed.UID = m.Uid
		parsed.UIDValidity = s.status.UidValidity
		parsed.Flags = m.Flags
		if parsed.Date.IsZero() {
			parsed.Date = m.InternalDate.UTC()
		}
		byUID[m.Uid] = parsed
	}
	if err := <-done; err != nil {
		return nil, eris.Wrap(err, "imapmail: fetch")
	}

	out := make([]*Message, 0, len(byUID))
	for _, u := range uids {
		if m, ok := byUID[u]; ok {
			out = append(out, m)
		}
	}
	if len(out) == 0 && parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}
