package router

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/telemetry"
)

// EventInserter is the slice of the store the recorder needs.
type EventInserter interface {
	InsertChatEvent(ctx context.Context, e model.ChatEvent) error
}

// Recorder appends chat events best-effort: a logging failure must never
// abort the pipeline. Failures are logged and counted, nothing more.
type Recorder struct {
	store   EventInserter
	logger  *slog.Logger
	emitted metric.Int64Counter
	dropped metric.Int64Counter
}

// NewRecorder returns a best-effort event recorder.
func NewRecorder(store EventInserter, logger *slog.Logger) *Recorder {
	meter := telemetry.Meter("ulta/router")
	emitted, _ := meter.Int64Counter("ulta.router.events_emitted",
		metric.WithDescription("Chat events written by the router pipeline"))
	dropped, _ := meter.Int64Counter("ulta.router.events_dropped",
		metric.WithDescription("Chat events that failed to persist and were dropped"))
	return &Recorder{store: store, logger: logger, emitted: emitted, dropped: dropped}
}

// Record appends one event, swallowing any insert error.
func (r *Recorder) Record(ctx context.Context, conv model.Conversation, typ model.EventType, payload map[string]any) {
	e := model.ChatEvent{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		AgentID:        conv.AgentID,
		Type:           typ,
		Payload:        payload,
	}
	attrs := metric.WithAttributes(attribute.String("event_type", string(typ)))
	if err := r.store.InsertChatEvent(ctx, e); err != nil {
		r.dropped.Add(ctx, 1, attrs)
		r.logger.Error("chat event dropped",
			"conversation_id", conv.ID, "event_type", typ, "error", err)
		return
	}
	r.emitted.Add(ctx, 1, attrs)
}
