package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/store"
)

// Source says how a raw message was discovered.
type Source int

const (
	// SourceChanges is a message reported by a cursor-based change listing.
	SourceChanges Source = iota
	// SourceFallback is a message from a recency-window listing, where a
	// fingerprint match also counts as already known.
	SourceFallback
)

func (s Source) String() string {
	if s == SourceFallback {
		return "fallback"
	}
	return "changes"
}

// AdmitStore is the slice of the store admission needs.
type AdmitStore interface {
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	FindMessageByFingerprint(ctx context.Context, accountID, fingerprint string) (*model.Message, error)
	InsertMessage(ctx context.Context, m *model.Message) error
}

// Admitter turns raw discovered messages into at most one Message each.
type Admitter struct {
	store AdmitStore
	log   *zap.Logger
}

// NewAdmitter creates an Admitter.
func NewAdmitter(s AdmitStore) *Admitter {
	return &Admitter{
		store: s,
		log:   zap.L().With(zap.String("component", "pipeline.admit")),
	}
}

// Admit persists raw as a PENDING message unless it is already known.
// created is false when an existing record was returned; callers must not
// enqueue work for it. Safe to call concurrently for the same external id.
func (a *Admitter) Admit(ctx context.Context, raw *model.RawMessage, account *model.Account, src Source) (*model.Message, bool, error) {
	if raw == nil || raw.ExternalID == "" {
		return nil, false, eris.New("pipeline: admit: raw message has no external id")
	}

	existing, err := a.store.GetMessageByExternalID(ctx, raw.ExternalID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, eris.Wrapf(err, "pipeline: admit lookup %s", raw.ExternalID)
	}

	fp := Fingerprint(raw.From, raw.Subject, raw.Date)
	if src == SourceFallback {
		dup, err := a.store.FindMessageByFingerprint(ctx, account.ID, fp)
		switch {
		case err == nil:
			a.log.Debug("fingerprint match, skipping",
				zap.String("external_id", raw.ExternalID),
				zap.String("message_id", dup.ID),
			)
			return dup, false, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, eris.Wrapf(err, "pipeline: admit fingerprint %s", raw.ExternalID)
		}
	}

	msg := newMessage(raw, account, fp)
	err = a.store.InsertMessage(ctx, msg)
	if errors.Is(err, store.ErrConflict) {
		// Another admission won the insert.
		existing, err := a.store.GetMessageByExternalID(ctx, raw.ExternalID)
		if err != nil {
			return nil, false, eris.Wrapf(err, "pipeline: admit reread %s", raw.ExternalID)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "pipeline: admit insert %s", raw.ExternalID)
	}

	a.log.Info("message admitted",
		zap.String("message_id", msg.ID),
		zap.String("account_id", account.ID),
		zap.String("external_id", raw.ExternalID),
		zap.Stringer("source", src),
	)
	return msg, true, nil
}

func newMessage(raw *model.RawMessage, account *model.Account, fp string) *model.Message {
	body, fetched := raw.Body, raw.Body != ""
	if !fetched {
		body = raw.Snippet
	}
	received := raw.Date
	if received.IsZero() {
		received = time.Now()
	}
	return &model.Message{
		AccountID:   account.ID,
		ExternalID:  raw.ExternalID,
		ThreadID:    raw.ThreadID,
		Subject:     raw.Subject,
		Sender:      raw.From,
		Recipients:  raw.To,
		ReceivedAt:  received.UTC(),
		Fingerprint: fp,
		Status:      model.MessageStatusPending,
		Body:        body,
		BodyFetched: fetched,
	}
}

// Fingerprint derives the content fingerprint from sender, subject and
// received time. Text is NFKC-normalized, case-folded and trimmed; the time
// contributes whole UTC seconds.
func Fingerprint(sender, subject string, received time.Time) string {
	h := sha256.New()
	h.Write([]byte(normalizeText(sender)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeText(subject)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(received.UTC().Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s) // Casers are stateful; one per call
	return strings.Join(strings.Fields(s), " ")
}
