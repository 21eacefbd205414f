package engine

import (
	"context"
	"fmt"

	"github.com/vallit/flowexec/internal/steps"
	"github.com/vallit/flowexec/pkg/schema"
)

// FallbackOutcome describes what the workflow's fallback_action did after a
// step failed for good.
type FallbackOutcome struct {
	Action   string `json:"action"`
	Notified bool   `json:"notified"`
	Error    string `json:"error,omitempty"`
}

// HandleStepFailure applies the workflow's fallback_action to a failed step.
// The run fails either way; notify additionally sends an "error" notification.
// A notifier failure is reported in the outcome and never replaces the step error.
func HandleStepFailure(
	ctx context.Context,
	notifier steps.Notifier,
	policy schema.ErrorHandling,
	workflowName, stepID string,
	stepErr error,
) FallbackOutcome {
	action := policy.FallbackAction
	if action == "" {
		action = schema.FallbackFail
	}
	out := FallbackOutcome{Action: action}
	if action != schema.FallbackNotify || notifier == nil {
		return out
	}

	msg := fmt.Sprintf("Workflow %q failed at step %q: %v", workflowName, stepID, stepErr)
	sent, err := notifier.Send(ctx, msg, "error")
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Notified = sent
	return out
}
