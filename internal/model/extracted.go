package model

import "time"

// ExtractedData holds the structured transaction fields for a Message.
// There is at most one row per Message.
type ExtractedData struct {
	ID               string     `json:"id"`
	MessageID        string     `json:"message_id"`
	Amount           *float64   `json:"amount,omitempty"`
	Currency         *string    `json:"currency,omitempty"`
	TransactionDate  *time.Time `json:"transaction_date,omitempty"`
	MerchantName     *string    `json:"merchant_name,omitempty"`
	MerchantCategory *string    `json:"merchant_category,omitempty"`
	AccountNumber    *string    `json:"account_number,omitempty"`
	TransactionType  *string    `json:"transaction_type,omitempty"`
	Description      *string    `json:"description,omitempty"`
	ReferenceNumber  *string    `json:"reference_number,omitempty"`
	Confidence       float64    `json:"confidence"`
	Placeholder      bool       `json:"placeholder"`
	CreatedAt        time.Time  `json:"created_at"`
}

// PlaceholderExtraction returns the empty row written when extraction is
// mandatory for a category but produced nothing.
func PlaceholderExtraction(messageID string) *ExtractedData {
	return &ExtractedData{
		MessageID:   messageID,
		Confidence:  0,
		Placeholder: true,
	}
}

// transactionDateLayouts are tried in order when parsing collaborator dates.
var transactionDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// NewExtractedData converts an ExtractResult into a row for messageID.
// Unparseable dates are dropped rather than failing the extraction.
func NewExtractedData(messageID string, r *ExtractResult) *ExtractedData {
	d := &ExtractedData{
		MessageID:        messageID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		MerchantName:     r.MerchantName,
		MerchantCategory: r.MerchantCategory,
		AccountNumber:    r.AccountNumber,
		TransactionType:  r.TransactionType,
		Description:      r.Description,
		ReferenceNumber:  r.TransactionID,
		Confidence:       r.Confidence,
	}
	if r.Date != nil && *r.Date != "" {
		for _, layout := range transactionDateLayouts {
			if t, err := time.Parse(layout, *r.Date); err == nil {
				d.TransactionDate = &t
				break
			}
		}
	}
	return d
}
