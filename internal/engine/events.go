package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vallit/flowexec/internal/logging"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/internal/streaming"
)

// emitter fans run lifecycle events out to the event log and the hub.
// Delivery is best-effort: failures are logged and never fail the run.
type emitter struct {
	log    store.RunEventStore
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time
}

func (em *emitter) emit(ctx context.Context, eventType, stepID string, payload map[string]any) {
	// Lifecycle events of a cancelled run must still be delivered.
	ctx = context.WithoutCancel(ctx)
	ts := em.now().UTC()
	runID := logging.RunID(ctx)

	if em.log != nil && runID != "" {
		var raw json.RawMessage
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				em.logger.WarnContext(ctx, "marshal run event", "event", eventType, "error", err)
			} else {
				raw = b
			}
		}
		ev := &store.RunEvent{RunID: runID, StepID: stepID, Type: eventType, Payload: raw, Timestamp: ts}
		if err := em.log.AppendRunEvent(ctx, ev); err != nil {
			em.logger.WarnContext(ctx, "append run event", "event", eventType, "error", err)
		}
	}

	if em.hub != nil {
		err := em.hub.Publish(ctx, streaming.StreamEvent{
			RunID:      runID,
			WorkflowID: logging.WorkflowID(ctx),
			UserID:     logging.UserID(ctx),
			StepID:     stepID,
			EventType:  eventType,
			Payload:    payload,
			Timestamp:  ts,
		})
		if err != nil {
			em.logger.WarnContext(ctx, "publish run event", "event", eventType, "error", err)
		}
	}
}

type triggerKey struct{}

// WithTrigger records how a run was started (manual, schedule, api, mcp).
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom returns the trigger recorded by WithTrigger, defaulting to manual.
func TriggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok && t != "" {
		return t
	}
	return store.TriggerManual
}
