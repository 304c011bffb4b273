package llm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/mailflow/internal/model"
)

// keywords maps each bucket to phrases that suggest it. Matching is on the
// lower-cased subject, sender and body.
var keywords = map[model.Classification][]string{
	model.ClassCardTransaction: {"transaction alert", "card ending", "was charged", "purchase of", "you spent", "debit card", "credit card"},
	model.ClassBanking:         {"bank statement", "account balance", "transfer", "deposit", "withdrawal", "direct debit", "wire"},
	model.ClassBill:            {"invoice", "amount due", "bill is ready", "payment due", "due date", "subscription renewal"},
	model.ClassReceipt:         {"receipt", "order confirmation", "thank you for your order", "order total", "your order"},
	model.ClassInvestment:      {"dividend", "brokerage", "portfolio", "trade confirmation", "shares"},
	model.ClassLoan:            {"loan", "mortgage", "installment", "repayment"},
	model.ClassInsurance:       {"insurance", "premium", "policy renewal", "claim"},
	model.ClassTax:             {"tax return", "irs", "1099", "w-2", "tax refund"},
	model.ClassPayroll:         {"payslip", "pay stub", "paycheck", "salary", "payroll"},
}

var notFinancialKeywords = []string{"unsubscribe", "newsletter", "% off", "sale ends", "webinar"}

var (
	symbolAmount = regexp.MustCompile(`([$€£¥])\s?(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	codeAmount   = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)\s?(USD|EUR|GBP|JPY|CAD|AUD|CHF)\b`)
	merchantRe   = regexp.MustCompile(`\b(?:at|from|to) +([A-Z][\w&'.-]*(?: +[A-Z][\w&'.-]*){0,3})`)
	cardRe       = regexp.MustCompile(`(?i)(?:ending(?: in)?|last four|\*{2,}|x{2,})\s*(\d{4})\b`)
	isoDateRe    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	usDateRe     = regexp.MustCompile(`\b(\d{2}/\d{2}/\d{4})\b`)
)

var symbolCurrency = map[string]string{"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY"}

// HeuristicClassify guesses a bucket from keywords. The result is always
// flagged Degraded.
func HeuristicClassify(subject, body, sender string) *model.ClassifyResult {
	text := strings.ToLower(subject + "\n" + sender + "\n" + body)

	type hit struct {
		class model.Classification
		n     int
	}
	var hits []hit
	for class, words := range keywords {
		n := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{class, n})
		}
	}
	// map order is random; break ties by name for stable answers
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].n != hits[j].n {
			return hits[i].n > hits[j].n
		}
		return hits[i].class < hits[j].class
	})

	promo := 0
	for _, w := range notFinancialKeywords {
		if strings.Contains(text, w) {
			promo++
		}
	}
	_, _, hasAmount := findAmount(subject + "\n" + body)

	switch {
	case len(hits) > 0 && hits[0].n > promo:
		conf := 0.35 + 0.1*float64(hits[0].n-1)
		if hasAmount {
			conf += 0.1
		}
		return &model.ClassifyResult{
			IsFinancial: true,
			Category:    string(hits[0].class),
			Confidence:  min(conf, 0.6),
			Reasoning:   fmt.Sprintf("keyword match (%d)", hits[0].n),
			Degraded:    true,
		}
	case hasAmount && promo == 0:
		return &model.ClassifyResult{
			IsFinancial: true,
			Category:    string(model.ClassOther),
			Confidence:  0.3,
			Reasoning:   "amount found without category keywords",
			Degraded:    true,
		}
	default:
		return &model.ClassifyResult{
			IsFinancial: false,
			Category:    string(model.ClassNotFinancial),
			Confidence:  0.3,
			Reasoning:   "no financial keywords",
			Degraded:    true,
		}
	}
}

// HeuristicExtract pulls the amount, currency, merchant, card digits and date
// that simple patterns can find. The result is always flagged Degraded.
func HeuristicExtract(subject, body string) *model.ExtractResult {
	text := subject + "\n" + body
	res := &model.ExtractResult{Confidence: 0.1, Degraded: true}

	if amount, cur, ok := findAmount(text); ok {
		res.Amount = &amount
		if cur != "" {
			res.Currency = &cur
		}
		res.Confidence = 0.3
	}
	if m := merchantRe.FindStringSubmatch(text); m != nil {
		name := strings.TrimRight(m[1], ".")
		res.MerchantName = &name
	}
	if m := cardRe.FindStringSubmatch(text); m != nil {
		res.AccountNumber = &m[1]
	}
	if d, ok := findDate(text); ok {
		res.Date = &d
	}
	return res
}

// findAmount returns the first amount with a currency marker.
func findAmount(text string) (float64, string, bool) {
	if m := symbolAmount.FindStringSubmatch(text); m != nil {
		if v, err := parseAmount(m[2]); err == nil {
			return v, symbolCurrency[m[1]], true
		}
	}
	if m := codeAmount.FindStringSubmatch(text); m != nil {
		if v, err := parseAmount(m[1]); err == nil {
			return v, strings.ToUpper(m[2]), true
		}
	}
	return 0, "", false
}

func parseAmount(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

func findDate(text string) (string, bool) {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := usDateRe.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse("01/02/2006", m[1]); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// Heuristic serves classify and extract requests without calling a model.
// It backs the pipeline when the AI provider is disabled.
type Heuristic struct{}

func (Heuristic) Classify(_ context.Context, subject, body, sender string) (*model.ClassifyResult, error) {
	return HeuristicClassify(subject, body, sender), nil
}

func (Heuristic) Extract(_ context.Context, subject, body string, _ model.Classification) (*model.ExtractResult, error) {
	return HeuristicExtract(subject, body), nil
}
