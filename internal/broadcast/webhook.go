package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/model"
)

// WebhookConfig configures a Webhook broadcaster.
type WebhookConfig struct {
	URL        string
	BufferSize int
	Timeout    time.Duration
}

// Webhook posts events as JSON to an HTTP endpoint from a single background
// sender. When the buffer is full new events are dropped and counted.
type Webhook struct {
	url     string
	client  *http.Client
	events  chan model.Event
	dropped atomic.Int64
	sent    atomic.Int64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	log     *zap.Logger
}

// NewWebhook creates a Webhook and starts its sender. Call Close to drain.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	w := &Webhook{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		events: make(chan model.Event, cfg.BufferSize),
		log:    zap.L().With(zap.String("component", "broadcast.webhook")),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Broadcast enqueues ev for delivery without waiting.
func (w *Webhook) Broadcast(_ context.Context, ev model.Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.log.Warn("webhook buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (w *Webhook) Dropped() int64 { return w.dropped.Load() }

// Sent returns how many events the endpoint accepted.
func (w *Webhook) Sent() int64 { return w.sent.Load() }

// Close stops accepting events and waits for buffered ones to be attempted.
func (w *Webhook) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Webhook) run() {
	defer w.wg.Done()
	for ev := range w.events {
		if err := w.post(ev); err != nil {
			w.log.Debug("webhook delivery failed",
				zap.String("event", string(ev.Type)),
				zap.String("message_id", ev.MessageID),
				zap.Error(err),
			)
			continue
		}
		w.sent.Add(1)
	}
}

// post delivers a single event. Delivery runs detached from any request
// context; the client timeout bounds it.
func (w *Webhook) post(ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "broadcast: marshal event")
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "broadcast: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "broadcast: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("broadcast: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
