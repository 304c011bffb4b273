package pipeline

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mailflow/internal/model"
)

// Policy maps classifier answers onto routing decisions.
type Policy struct {
	// AlwaysExtract categories are extracted regardless of the classifier's
	// financial flag and get a placeholder row when extraction fails.
	AlwaysExtract []model.Classification `yaml:"always_extract"`
	// Aliases maps normalized classifier category strings to classifications.
	Aliases map[string]model.Classification `yaml:"aliases"`
	// ReviewThreshold sends financial results below this confidence to
	// manual review. Zero disables review.
	ReviewThreshold float64 `yaml:"review_threshold"`
}

// DefaultPolicy returns the built-in routing policy.
func DefaultPolicy() *Policy {
	return &Policy{
		AlwaysExtract: []model.Classification{model.ClassCardTransaction},
		Aliases: map[string]model.Classification{
			"transaction":        model.ClassCardTransaction,
			"card":               model.ClassCardTransaction,
			"credit_card":        model.ClassCardTransaction,
			"debit_card":         model.ClassCardTransaction,
			"purchase":           model.ClassCardTransaction,
			"transaction_alert":  model.ClassCardTransaction,
			"bank":               model.ClassBanking,
			"bank_statement":     model.ClassBanking,
			"transfer":           model.ClassBanking,
			"deposit":            model.ClassBanking,
			"withdrawal":         model.ClassBanking,
			"invoice":            model.ClassBill,
			"utility":            model.ClassBill,
			"subscription":       model.ClassBill,
			"payment_receipt":    model.ClassReceipt,
			"order":              model.ClassReceipt,
			"order_confirmation": model.ClassReceipt,
			"brokerage":          model.ClassInvestment,
			"dividend":           model.ClassInvestment,
			"mortgage":           model.ClassLoan,
			"credit":             model.ClassLoan,
			"tax_document":       model.ClassTax,
			"salary":             model.ClassPayroll,
			"paycheck":           model.ClassPayroll,
			"non_financial":      model.ClassNotFinancial,
			"personal":           model.ClassNotFinancial,
			"marketing":          model.ClassNotFinancial,
			"newsletter":         model.ClassNotFinancial,
			"promotion":          model.ClassNotFinancial,
			"social":             model.ClassNotFinancial,
			"spam":               model.ClassNotFinancial,
		},
	}
}

// LoadPolicy reads a YAML policy file. Keys absent from the file keep their
// defaults; aliases in the file extend the built-in table.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read policy %s", path)
	}

	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse policy %s", path)
	}
	if file.AlwaysExtract != nil {
		p.AlwaysExtract = file.AlwaysExtract
	}
	for k, v := range file.Aliases {
		p.Aliases[normalizeCategory(k)] = v
	}
	if file.ReviewThreshold != 0 {
		p.ReviewThreshold = file.ReviewThreshold
	}
	return p, p.Validate()
}

// Validate rejects policies naming unknown classifications.
func (p *Policy) Validate() error {
	for _, c := range p.AlwaysExtract {
		if !known(c) {
			return eris.Errorf("pipeline: policy: unknown always_extract category %q", c)
		}
	}
	for k, c := range p.Aliases {
		if !known(c) {
			return eris.Errorf("pipeline: policy: alias %q maps to unknown category %q", k, c)
		}
	}
	if p.ReviewThreshold < 0 || p.ReviewThreshold > 1 {
		return eris.Errorf("pipeline: policy: review_threshold %.2f outside [0,1]", p.ReviewThreshold)
	}
	return nil
}

func known(c model.Classification) bool {
	return c.IsFinancialCategory() || c == model.ClassNotFinancial || c == model.ClassUnclassified
}

// Map turns a classifier category string into a Classification. A financial
// answer always lands in a financial bucket. Categories neither the enum nor
// the alias table knows map to the catch-all other.
func (p *Policy) Map(category string, isFinancial bool) model.Classification {
	c := p.lookup(category)
	if isFinancial && !c.IsFinancialCategory() {
		return model.ClassOther
	}
	return c
}

func (p *Policy) lookup(category string) model.Classification {
	key := normalizeCategory(category)
	if c := model.Classification(key); known(c) {
		return c
	}
	if c, ok := p.Aliases[key]; ok {
		return c
	}
	return model.ClassOther
}

// IsAlwaysExtract reports whether c is in the always-extract set.
func (p *Policy) IsAlwaysExtract(c model.Classification) bool {
	for _, a := range p.AlwaysExtract {
		if a == c {
			return true
		}
	}
	return false
}

// RequiresExtraction reports whether a message classified as c goes on to
// the extract stage.
func (p *Policy) RequiresExtraction(c model.Classification, isFinancial bool) bool {
	return isFinancial || p.IsAlwaysExtract(c)
}

// NeedsReview reports whether a financial result is too uncertain to
// extract automatically. Always-extract categories are never held back.
func (p *Policy) NeedsReview(c model.Classification, confidence float64) bool {
	return p.ReviewThreshold > 0 && !p.IsAlwaysExtract(c) && confidence < p.ReviewThreshold
}

// ExtractCategories lists every classification a CLASSIFIED message can
// carry: the financial buckets plus the always-extract set.
func (p *Policy) ExtractCategories() []model.Classification {
	out := append([]model.Classification(nil), model.FinancialClassifications...)
	for _, c := range p.AlwaysExtract {
		if !c.IsFinancialCategory() {
			out = append(out, c)
		}
	}
	return out
}

func normalizeCategory(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
}
