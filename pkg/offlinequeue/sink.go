package offlinequeue

import (
	"context"
	"time"

	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/rs/zerolog/log"
)

// AbandonedEvent describes an operation removed from the pending set without
// confirmed delivery.
type AbandonedEvent struct {
	opstore.Operation
	Error       string    `json:"error"`
	AbandonedAt time.Time `json:"abandonedAt"`
}

// AbandonedSink surfaces abandoned operations to an operator channel.
// Implementations must not block for long; they run inside a drain pass.
type AbandonedSink interface {
	OnAbandoned(ctx context.Context, ev AbandonedEvent)
}

// SinkFunc adapts a function to AbandonedSink.
type SinkFunc func(ctx context.Context, ev AbandonedEvent)

// OnAbandoned implements AbandonedSink.
func (f SinkFunc) OnAbandoned(ctx context.Context, ev AbandonedEvent) { f(ctx, ev) }

// LogSink logs every abandoned operation at error level.
type LogSink struct{}

// OnAbandoned implements AbandonedSink.
func (LogSink) OnAbandoned(_ context.Context, ev AbandonedEvent) {
	log.Error().
		Str("op_id", ev.ID).
		Str("method", ev.Method).
		Str("url", ev.TargetURL).
		Str("module", ev.Module).
		Int("retry_count", ev.RetryCount).
		Int("max_retries", ev.MaxRetries).
		Time("enqueued_at", ev.EnqueuedAt).
		Str("last_error", ev.Error).
		Msg("operation abandoned after retry exhaustion")
}

// MultiSink fans an event out to every sink in order.
type MultiSink []AbandonedSink

// OnAbandoned implements AbandonedSink.
func (m MultiSink) OnAbandoned(ctx context.Context, ev AbandonedEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.OnAbandoned(ctx, ev)
		}
	}
}
