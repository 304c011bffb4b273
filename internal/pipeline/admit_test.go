package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/model"
)

func TestAdmit_SecondAdmissionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, created, err := env.admitter.Admit(ctx, amazonAlert("m1"), env.account, SourceChanges)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.MessageStatusPending, first.Status)
	assert.True(t, first.BodyFetched)
	assert.NotEmpty(t, first.Fingerprint)

	again, created, err := env.admitter.Admit(ctx, amazonAlert("m1"), env.account, SourceChanges)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestAdmit_ConcurrentSameExternalID(t *testing.T) {
	env := newTestEnv(t)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]bool)
	createdCount := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, created, err := env.admitter.Admit(context.Background(), amazonAlert("dup"), env.account, SourceChanges)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[msg.ID] = true
			if created {
				createdCount++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	assert.Len(t, ids, 1, "every caller sees the same record")
}

func TestAdmit_FallbackMatchesFingerprint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	orig := env.admit(t, amazonAlert("ext-a"))

	// Same content reported under a new id by a recency listing.
	relisted := amazonAlert("ext-b")
	relisted.Subject = "  TRANSACTION alert:  $45.99 at Amazon "
	msg, created, err := env.admitter.Admit(ctx, relisted, env.account, SourceFallback)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, orig.ID, msg.ID)

	// Change listings trust the external id alone.
	msg, created, err = env.admitter.Admit(ctx, relisted, env.account, SourceChanges)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, orig.ID, msg.ID)
}

func TestAdmit_RejectsMissingExternalID(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.admitter.Admit(context.Background(), &model.RawMessage{Subject: "x"}, env.account, SourceChanges)
	require.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	base := Fingerprint("alerts@bank.example", "Your Statement", at)

	tests := []struct {
		name    string
		sender  string
		subject string
		at      time.Time
		same    bool
	}{
		{"identical", "alerts@bank.example", "Your Statement", at, true},
		{"case and spacing", " ALERTS@Bank.example", "your   statement ", at, true},
		{"fullwidth compatibility forms", "alerts@bank.example", "Ｙｏｕｒ Ｓｔａｔｅｍｅｎｔ", at, true},
		{"other zone same instant", "alerts@bank.example", "Your Statement", at.In(time.FixedZone("EST", -5*3600)), true},
		{"sub-second difference", "alerts@bank.example", "Your Statement", at.Add(300 * time.Millisecond), true},
		{"different subject", "alerts@bank.example", "Your Statement 2", at, false},
		{"different sender", "other@bank.example", "Your Statement", at, false},
		{"different second", "alerts@bank.example", "Your Statement", at.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.sender, tt.subject, tt.at)
			assert.Len(t, got, 64)
			if tt.same {
				assert.Equal(t, base, got)
			} else {
				assert.NotEqual(t, base, got)
			}
		})
	}
}

func TestAdmit_ManyMessagesKeepOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var got []string
	for i := 0; i < 5; i++ {
		raw := amazonAlert(fmt.Sprintf("order-%d", i))
		raw.Date = raw.Date.Add(time.Duration(i) * time.Minute)
		msg, created, err := env.admitter.Admit(ctx, raw, env.account, SourceFallback)
		require.NoError(t, err)
		require.True(t, created)
		got = append(got, msg.ExternalID)
	}
	assert.Equal(t, []string{"order-0", "order-1", "order-2", "order-3", "order-4"}, got)
}
