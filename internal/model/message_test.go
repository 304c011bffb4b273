package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   MessageStatus
		want     string
		terminal bool
	}{
		{MessageStatusPending, "pending", false},
		{MessageStatusProcessing, "processing", false},
		{MessageStatusClassified, "classified", false},
		{MessageStatusCompleted, "completed", true},
		{MessageStatusFailed, "failed", true},
		{MessageStatusManualReview, "manual_review", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.True(t, tt.status.Valid())
		})
	}

	assert.False(t, MessageStatus("archived").Valid())
}

func TestClassification_IsFinancialCategory(t *testing.T) {
	t.Parallel()

	assert.True(t, ClassCardTransaction.IsFinancialCategory())
	assert.True(t, ClassBanking.IsFinancialCategory())
	assert.True(t, ClassOther.IsFinancialCategory())
	assert.False(t, ClassNotFinancial.IsFinancialCategory())
	assert.False(t, ClassUnclassified.IsFinancialCategory())
	assert.False(t, Classification("").IsFinancialCategory())
}

func TestAccount_Cursor(t *testing.T) {
	t.Parallel()

	a := &Account{}
	assert.Equal(t, "", a.Cursor())

	c := "12345"
	a.LastHistoryID = &c
	assert.Equal(t, "12345", a.Cursor())
}
