package model

import (
	"encoding/json"
	"time"
)

// Mailbox provider identifiers.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// Account is a monitored mailbox.
type Account struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	Address       string          `json:"address"`
	Credentials   json.RawMessage `json:"-"` // owned by the mailbox collaborator
	Connected     bool            `json:"connected"`
	LastHistoryID *string         `json:"last_history_id,omitempty"`
	LastCheckedAt *time.Time      `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Cursor returns the sync cursor or "" when none has been recorded.
func (a *Account) Cursor() string {
	if a.LastHistoryID == nil {
		return ""
	}
	return *a.LastHistoryID
}
