package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mailflow/internal/model"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when an insert hits a uniqueness constraint.
	ErrConflict = eris.New("store: conflict")
	// ErrStaleStatus is returned when a compare-and-set status write finds
	// the row no longer in the expected status.
	ErrStaleStatus = eris.New("store: stale status")
)

// JobFilter specifies criteria for listing queue jobs.
type JobFilter struct {
	Queue     string          `json:"queue,omitempty"`
	Status    model.JobStatus `json:"status,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// StuckFilter selects messages that have sat in one status for too long.
// Results are ordered oldest first by the time they entered the status.
type StuckFilter struct {
	Status          model.MessageStatus
	Classifications []model.Classification // empty matches any
	UpdatedBefore   time.Time
	Limit           int
}

// Store defines the persistence interface for the intake pipeline.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, connectedOnly bool) ([]model.Account, error)
	SetAccountConnected(ctx context.Context, id string, connected bool) error
	UpdateAccountCursor(ctx context.Context, id string, cursor *string, checkedAt time.Time) error

	// Messages
	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	FindMessageByFingerprint(ctx context.Context, accountID, fingerprint string) (*model.Message, error)
	TransitionMessage(ctx context.Context, id string, from, to model.MessageStatus, patch model.MessagePatch) error
	SetMessageError(ctx context.Context, id, errMsg string) error
	UpdateMessageBody(ctx context.Context, id, body string) error
	ListStuckMessages(ctx context.Context, filter StuckFilter) ([]model.Message, error)
	CountMessagesByStatus(ctx context.Context, since time.Time) (map[model.MessageStatus]int, error)

	// Extracted data
	GetExtractedData(ctx context.Context, messageID string) (*model.ExtractedData, error)
	CompleteExtraction(ctx context.Context, data *model.ExtractedData, from model.MessageStatus) error
	EnsureExtractedData(ctx context.Context, data *model.ExtractedData) (bool, error)

	// Queue jobs
	InsertJob(ctx context.Context, j *model.QueueJob) error
	ClaimJob(ctx context.Context, queue string, now time.Time) (*model.QueueJob, error)
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	RetryJob(ctx context.Context, id string, runAt time.Time, errMsg string) error
	FailJob(ctx context.Context, id, errMsg string) error
	ReleaseStalledJobs(ctx context.Context, queue string, startedBefore, now time.Time) (int, error)
	GetJob(ctx context.Context, id string) (*model.QueueJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.QueueJob, error)
	HasOpenJob(ctx context.Context, messageID string, typ model.TaskType) (bool, error)
	CountJobsByStatus(ctx context.Context, queue string) (map[model.JobStatus]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// openJobStatuses are the job states that still lead to an execution.
var openJobStatuses = []string{
	string(model.JobStatusWaiting),
	string(model.JobStatusActive),
	string(model.JobStatusDelayed),
}

func classificationStrings(cs []model.Classification) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// patchColumns returns the column assignments a MessagePatch contributes,
// in a fixed order so both dialects build identical statements.
func patchColumns(p model.MessagePatch) ([]string, []any) {
	var cols []string
	var vals []any
	if p.Classification != nil {
		cols = append(cols, "classification")
		vals = append(vals, string(*p.Classification))
	}
	if p.Confidence != nil {
		cols = append(cols, "confidence")
		vals = append(vals, *p.Confidence)
	}
	if p.Reasoning != nil {
		cols = append(cols, "reasoning")
		vals = append(vals, *p.Reasoning)
	}
	if p.ErrorMessage != nil {
		cols = append(cols, "error_message")
		vals = append(vals, *p.ErrorMessage)
	}
	return cols, vals
}
