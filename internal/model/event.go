package model

import "time"

// EventType names a pipeline progress notification.
type EventType string

const (
	EventStarted    EventType = "started"
	EventClassified EventType = "classified"
	EventExtracted  EventType = "extracted"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
)

// Event is a progress notification forwarded to observers.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id"`
	AccountID string    `json:"account_id"`
	Progress  *int      `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
