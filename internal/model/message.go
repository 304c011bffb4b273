package model

import "time"

// MessageStatus is the processing state of a Message.
type MessageStatus string

const (
	MessageStatusPending      MessageStatus = "pending"
	MessageStatusProcessing   MessageStatus = "processing"
	MessageStatusClassified   MessageStatus = "classified"
	MessageStatusCompleted    MessageStatus = "completed"
	MessageStatusFailed       MessageStatus = "failed"
	MessageStatusManualReview MessageStatus = "manual_review"
)

// IsTerminal reports whether automation stops at this status.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusCompleted, MessageStatusFailed, MessageStatusManualReview:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusProcessing, MessageStatusClassified,
		MessageStatusCompleted, MessageStatusFailed, MessageStatusManualReview:
		return true
	default:
		return false
	}
}

// RawMessage is a message as reported by the mailbox collaborator.
type RawMessage struct {
	ExternalID     string    `json:"external_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to,omitempty"`
	Date           time.Time `json:"date"`
	Body           string    `json:"body,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	HasAttachments bool      `json:"has_attachments"`
	Labels         []string  `json:"labels,omitempty"`
}

// Message is a discovered mail item moving through the pipeline.
type Message struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	ExternalID     string         `json:"external_id"`
	ThreadID       string         `json:"thread_id,omitempty"`
	Subject        string         `json:"subject"`
	Sender         string         `json:"sender"`
	Recipients     []string       `json:"recipients,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
	Fingerprint    string         `json:"fingerprint"`
	Status         MessageStatus  `json:"status"`
	Classification Classification `json:"classification,omitempty"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Body           string         `json:"body,omitempty"`
	BodyFetched    bool           `json:"body_fetched"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MessagePatch holds the fields a status transition may write alongside
// the new status. Nil pointers leave the column untouched.
type MessagePatch struct {
	Classification *Classification
	Confidence     *float64
	Reasoning      *string
	ErrorMessage   *string
}
