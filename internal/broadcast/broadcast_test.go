package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mailflow/internal/model"
)

func TestEmit_StampsTimestampAndToleratesNil(t *testing.T) {
	r := NewRecent(4)
	Emit(context.Background(), r, model.Event{Type: model.EventStarted, MessageID: "m1"})
	Emit(context.Background(), nil, model.Event{Type: model.EventStarted, MessageID: "m1"})

	evs := r.Events()
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Timestamp.IsZero())
}

func TestRecent_KeepsNewestInOrder(t *testing.T) {
	r := NewRecent(3)
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		r.Broadcast(context.Background(), model.Event{Type: model.EventCompleted, MessageID: id})
	}

	var ids []string
	for _, ev := range r.Events() {
		ids = append(ids, ev.MessageID)
	}
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids)
	assert.Len(t, r.ForMessage("m4"), 1)
	assert.Empty(t, r.ForMessage("m1"))
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewRecent(2), NewRecent(2)
	Multi{a, Noop{}, NewLog(), b}.Broadcast(context.Background(), model.Event{Type: model.EventFailed, MessageID: "m1"})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestWebhook_DeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var got []model.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev model.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL})
	w.Broadcast(context.Background(), model.Event{Type: model.EventClassified, MessageID: "m1", Progress: Progress(70)})
	w.Broadcast(context.Background(), model.Event{Type: model.EventCompleted, MessageID: "m1"})
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, model.EventClassified, got[0].Type)
	require.NotNil(t, got[0].Progress)
	assert.Equal(t, 70, *got[0].Progress)
	assert.Equal(t, int64(2), w.Sent())

	// after close, events are ignored rather than panicking
	w.Broadcast(context.Background(), model.Event{Type: model.EventFailed})
}

func TestWebhook_DropsWhenFullAndNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, BufferSize: 1, Timeout: 5 * time.Second})

	start := time.Now()
	for i := 0; i < 50; i++ {
		w.Broadcast(context.Background(), model.Event{Type: model.EventStarted})
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, w.Dropped())

	close(release)
	w.Close()
}

func TestWebhook_EndpointErrorsAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL})
	w.Broadcast(context.Background(), model.Event{Type: model.EventFailed, MessageID: "m1", Message: "boom"})
	w.Close()

	assert.Zero(t, w.Sent())
	assert.Zero(t, w.Dropped())
}
