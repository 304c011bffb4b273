package broadcast

import (
	"context"
	"sync"

	"github.com/sells-group/mailflow/internal/model"
)

// Recent keeps the last N events in memory for the ops API.
type Recent struct {
	mu     sync.Mutex
	buf    []model.Event
	next   int
	filled bool
}

// NewRecent creates a ring of the given size (minimum 1).
func NewRecent(size int) *Recent {
	if size < 1 {
		size = 1
	}
	return &Recent{buf: make([]model.Event, size)}
}

// Broadcast implements Broadcaster.
func (r *Recent) Broadcast(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.filled = true
	}
}

// Events returns the retained events, oldest first.
func (r *Recent) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		return append([]model.Event(nil), r.buf[:r.next]...)
	}
	out := make([]model.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// ForMessage returns the retained events for one message, oldest first.
func (r *Recent) ForMessage(messageID string) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.MessageID == messageID {
			out = append(out, ev)
		}
	}
	return out
}
