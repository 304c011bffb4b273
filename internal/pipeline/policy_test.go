package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/model"
)

func TestPolicy_Map(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		category    string
		isFinancial bool
		want        model.Classification
	}{
		{"banking", true, model.ClassBanking},
		{"Card Transaction", true, model.ClassCardTransaction},
		{"credit-card", true, model.ClassCardTransaction},
		{"INVOICE", true, model.ClassBill},
		{"crypto_wallet", true, model.ClassOther},
		{"newsletter", false, model.ClassNotFinancial},
		{"something_new", false, model.ClassOther},
		{"shipping_update", false, model.ClassOther},
		{"Travel Itinerary", false, model.ClassOther},
		{"non-financial", false, model.ClassNotFinancial},
		{"unclassified", false, model.ClassUnclassified},
		{"personal", true, model.ClassOther},
		// a known bucket is kept even when the classifier says not financial
		{"receipt", false, model.ClassReceipt},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Map(tt.category, tt.isFinancial))
		})
	}
}

func TestPolicy_Routing(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.RequiresExtraction(model.ClassCardTransaction, false), "always-extract ignores the flag")
	assert.True(t, p.RequiresExtraction(model.ClassBanking, true))
	assert.False(t, p.RequiresExtraction(model.ClassReceipt, false))

	assert.False(t, p.NeedsReview(model.ClassBanking, 0.1), "review disabled by default")
	p.ReviewThreshold = 0.6
	assert.True(t, p.NeedsReview(model.ClassBanking, 0.5))
	assert.False(t, p.NeedsReview(model.ClassBanking, 0.6))
	assert.False(t, p.NeedsReview(model.ClassCardTransaction, 0.1))

	cats := p.ExtractCategories()
	assert.Contains(t, cats, model.ClassCardTransaction)
	assert.Contains(t, cats, model.ClassOther)
	assert.NotContains(t, cats, model.ClassNotFinancial)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
always_extract: [card_transaction, bill]
review_threshold: 0.5
aliases:
  Utility Bill: bill
  stock-alert: investment
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.True(t, p.IsAlwaysExtract(model.ClassBill))
	assert.InDelta(t, 0.5, p.ReviewThreshold, 0.0001)
	assert.Equal(t, model.ClassBill, p.Map("utility bill", true))
	assert.Equal(t, model.ClassInvestment, p.Map("Stock Alert", true))
	assert.Equal(t, model.ClassCardTransaction, p.Map("purchase", true), "built-in aliases survive")
}

func TestLoadPolicy_Defaults(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, []model.Classification{model.ClassCardTransaction}, p.AlwaysExtract)
	assert.Zero(t, p.ReviewThreshold)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown always":  "always_extract: [lottery]\n",
		"unknown alias":   "aliases:\n  jackpot: lottery\n",
		"threshold range": "review_threshold: 1.5\n",
		"malformed yaml":  "always_extract: [card_transaction\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadPolicy(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadPolicy(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
