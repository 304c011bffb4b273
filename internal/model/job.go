package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidTask marks a task payload that cannot be dispatched.
var ErrInvalidTask = eris.New("model: invalid task")

// TaskType identifies the stage a queued task runs.
type TaskType int

const (
	TaskSync TaskType = iota + 1
	TaskClassify
	TaskExtract
)

// TaskTypes lists every task type the dispatcher must handle.
var TaskTypes = []TaskType{TaskSync, TaskClassify, TaskExtract}

func (t TaskType) String() string {
	switch t {
	case TaskSync:
		return "sync"
	case TaskClassify:
		return "classify"
	case TaskExtract:
		return "extract"
	default:
		return fmt.Sprintf("task(%d)", int(t))
	}
}

// ParseTaskType is the inverse of TaskType.String.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, eris.Wrapf(ErrInvalidTask, "unknown task type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t TaskType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TaskType) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Task is a unit of work carried by a QueueJob payload. Sync tasks carry
// only an AccountID; classify and extract tasks carry both ids.
type Task struct {
	Type      TaskType `json:"type"`
	AccountID string   `json:"account_id"`
	MessageID string   `json:"message_id,omitempty"`
	Recovery  bool     `json:"recovery,omitempty"` // enqueued by the sweeper
}

// Validate checks the fields required by the task type.
func (t Task) Validate() error {
	switch t.Type {
	case TaskSync:
		if t.AccountID == "" {
			return eris.Wrap(ErrInvalidTask, "sync task requires account_id")
		}
	case TaskClassify, TaskExtract:
		if t.MessageID == "" {
			return eris.Wrapf(ErrInvalidTask, "%s task requires message_id", t.Type)
		}
	default:
		return eris.Wrapf(ErrInvalidTask, "unknown task type %d", int(t.Type))
	}
	return nil
}

// JobStatus is the lifecycle state of a QueueJob.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusDelayed   JobStatus = "delayed" // waiting for a retry backoff
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// QueueJob is the durable record of an enqueued task.
type QueueJob struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        TaskType        `json:"type"`
	MessageID   string          `json:"message_id,omitempty"`
	Priority    int             `json:"priority"`
	Seq         int64           `json:"seq"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Task decodes the job payload.
func (j *QueueJob) Task() (Task, error) {
	var t Task
	if err := json.Unmarshal(j.Payload, &t); err != nil {
		return Task{}, eris.Wrapf(err, "model: decode payload for job %s", j.ID)
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// LastAttempt reports whether the current attempt is the final allowed one.
func (j *QueueJob) LastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}
