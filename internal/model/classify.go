package model

// Classification is the internal category label assigned to a Message.
type Classification string

const (
	ClassBanking         Classification = "banking"
	ClassCardTransaction Classification = "card_transaction"
	ClassBill            Classification = "bill"
	ClassReceipt         Classification = "receipt"
	ClassInvestment      Classification = "investment"
	ClassLoan            Classification = "loan"
	ClassInsurance       Classification = "insurance"
	ClassTax             Classification = "tax"
	ClassPayroll         Classification = "payroll"
	ClassOther           Classification = "other"         // financial, no better bucket
	ClassNotFinancial    Classification = "not_financial" // classifier said no
	ClassUnclassified    Classification = "unclassified"  // no usable classifier answer
)

// FinancialClassifications lists every category that can require extraction.
var FinancialClassifications = []Classification{
	ClassBanking,
	ClassCardTransaction,
	ClassBill,
	ClassReceipt,
	ClassInvestment,
	ClassLoan,
	ClassInsurance,
	ClassTax,
	ClassPayroll,
	ClassOther,
}

// IsFinancialCategory reports whether c is one of the financial buckets.
func (c Classification) IsFinancialCategory() bool {
	for _, f := range FinancialClassifications {
		if c == f {
			return true
		}
	}
	return false
}

// ClassifyResult is the classification collaborator's answer.
type ClassifyResult struct {
	IsFinancial bool    `json:"is_financial"`
	Confidence  float64 `json:"confidence"`
	Category    string  `json:"category"`
	Language    string  `json:"language,omitempty"`
	Reasoning   string  `json:"reasoning,omitempty"`
	Degraded    bool    `json:"degraded,omitempty"` // heuristic or fallback result
}

// ExtractResult is the extraction collaborator's answer. Pointer fields are
// nil when the collaborator found nothing.
type ExtractResult struct {
	Amount           *float64 `json:"amount,omitempty"`
	Currency         *string  `json:"currency,omitempty"`
	Date             *string  `json:"date,omitempty"`
	MerchantName     *string  `json:"merchant_name,omitempty"`
	MerchantCategory *string  `json:"merchant_category,omitempty"`
	AccountNumber    *string  `json:"account_number,omitempty"`
	TransactionID    *string  `json:"transaction_id,omitempty"`
	TransactionType  *string  `json:"transaction_type,omitempty"`
	Description      *string  `json:"description,omitempty"`
	Confidence       float64  `json:"confidence"`
	Degraded         bool     `json:"degraded,omitempty"`
}
