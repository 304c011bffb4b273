package imapmail

import (
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset" // non-UTF-8 bodies and headers
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mailflow/pkg/mailtext"
)

// maxPartSize caps how much of a single text part is read.
const maxPartSize = 1 << 20

// Message is a parsed mailbox message.
type Message struct {
	UID            uint32
	UIDValidity    uint32
	MessageID      string
	Subject        string
	From           string
	To             []string
	Date           time.Time
	Text           string
	HasAttachments bool
	Flags          []string
}

// Parse reads an RFC 5322 message. Plain text parts are preferred over
// HTML, which is converted to text.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "imapmail: read message")
	}
	defer mr.Close()

	h := mr.Header
	m := &Message{}
	if m.Subject, err = h.Subject(); err != nil {
		m.Subject = mailtext.DecodeHeader(h.Get("Subject"))
	}
	m.MessageID, _ = h.MessageID()
	if d, err := h.Date(); err == nil {
		m.Date = d.UTC()
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From = from[0].String()
	} else {
		m.From = mailtext.DecodeHeader(h.Get("From"))
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			m.To = append(m.To, strings.ToLower(a.Address))
		}
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was read before a malformed part.
			break
		}
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			if ct != "text/plain" && ct != "text/html" {
				continue
			}
			b, err := io.ReadAll(io.LimitReader(p.Body, maxPartSize))
			if err != nil {
				continue
			}
			if ct == "text/plain" && plain == "" {
				plain = string(b)
			} else if ct == "text/html" && html == "" {
				html = string(b)
			}
		case *mail.AttachmentHeader:
			m.HasAttachments = true
		}
	}

	switch {
	case plain != "":
		m.Text = mailtext.Clean(plain)
	case html != "":
		m.Text = mailtext.HTMLToText(html)
	}
	return m, nil
}
