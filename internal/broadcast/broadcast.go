// Package broadcast forwards pipeline events to observers. Broadcasting is
// fire-and-forget: implementations never block the caller for long and never
// report delivery failures back into the pipeline.
package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/model"
)

// Broadcaster receives pipeline events.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev model.Event)
}

// Noop discards every event.
type Noop struct{}

// Broadcast implements Broadcaster.
func (Noop) Broadcast(context.Context, model.Event) {}

// Log writes events to the structured logger at debug level.
type Log struct {
	log *zap.Logger
}

// NewLog creates a Log broadcaster on the global logger.
func NewLog() *Log {
	return &Log{log: zap.L().With(zap.String("component", "broadcast"))}
}

// Broadcast implements Broadcaster.
func (l *Log) Broadcast(_ context.Context, ev model.Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("message_id", ev.MessageID),
		zap.String("account_id", ev.AccountID),
	}
	if ev.Progress != nil {
		fields = append(fields, zap.Int("progress", *ev.Progress))
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("detail", ev.Message))
	}
	l.log.Debug("pipeline event", fields...)
}

// Multi fans an event out to every member in order.
type Multi []Broadcaster

// Broadcast implements Broadcaster.
func (m Multi) Broadcast(ctx context.Context, ev model.Event) {
	for _, b := range m {
		b.Broadcast(ctx, ev)
	}
}

// Emit stamps ev and hands it to b. A nil b is treated as Noop.
func Emit(ctx context.Context, b Broadcaster, ev model.Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.Broadcast(ctx, ev)
}

// Progress returns a pointer for Event.Progress.
func Progress(pct int) *int { return &pct }
