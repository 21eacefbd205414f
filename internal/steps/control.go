package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/vallit/flowexec/internal/expressions"
	"github.com/vallit/flowexec/internal/logging"
	"github.com/vallit/flowexec/pkg/schema"
)

const (
	// DefaultDelayMs applies when a delay step has no delay_ms.
	DefaultDelayMs = 1000
	// MaxDelayMs caps a single delay step at one day.
	MaxDelayMs = 24 * 60 * 60 * 1000
)

// ConditionHandler evaluates config.condition and reports the outcome.
// The step does not branch by itself; branching reads next.branch.
type ConditionHandler struct {
	conditions *expressions.Evaluator
}

func (h *ConditionHandler) Handle(ctx context.Context, req *Request) (any, error) {
	cond, err := expressions.ConditionFromValue(req.Raw["condition"])
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition: invalid condition").WithCause(err)
	}
	met, err := h.conditions.Evaluate(ctx, cond, req.Scope)
	if err != nil {
		return nil, err
	}
	return map[string]any{"condition_met": met}, nil
}

// NotificationHandler sends config.message through the Notifier. Delivery is
// best-effort: a transport error is logged and the step still reports sent.
type NotificationHandler struct {
	notifier Notifier
	logger   *slog.Logger
}

func (h *NotificationHandler) Handle(ctx context.Context, req *Request) (any, error) {
	message := expressions.Stringify(req.Config["message"])
	kind := stringParam(req.Config, "type", "info")
	if _, err := h.notifier.Send(ctx, message, kind); err != nil {
		logging.LogWith(ctx, h.logger).Warn("notification delivery failed",
			"step_id", req.StepID, "type", kind, "error", err)
	}
	return map[string]any{"message": message, "type": kind, "sent": true}, nil
}

// WebhookHandler issues an outbound call through the Requester.
type WebhookHandler struct {
	requester Requester
}

func (h *WebhookHandler) Handle(ctx context.Context, req *Request) (any, error) {
	if h.requester == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook: no requester configured")
	}
	url := stringParam(req.Config, "url", "")
	if url == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook: missing required param 'url'")
	}
	method := stringParam(req.Config, "method", "POST")
	headers, err := stringMap(req.Config["headers"])
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook: invalid headers").WithCause(err)
	}

	status, err := h.requester.Request(ctx, url, method, headers, req.Config["body"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "method": method, "status": status}, nil
}

// DelayHandler waits config.delay_ms milliseconds. Zero returns immediately.
type DelayHandler struct{}

func (h *DelayHandler) Handle(ctx context.Context, req *Request) (any, error) {
	ms, ok := intParam(req.Config, "delay_ms", DefaultDelayMs)
	if !ok || ms < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay: delay_ms must be a non-negative whole number, got %v", req.Config["delay_ms"])
	}
	if ms > MaxDelayMs {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay: delay_ms %d exceeds the maximum of %d", ms, MaxDelayMs)
	}
	if ms > 0 {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err())
		}
	}
	return map[string]any{"delay_ms": ms}, nil
}
