package streaming

import (
	"context"

	"github.com/vallit/flowexec/internal/logging"
	"github.com/vallit/flowexec/pkg/schema"
)

// HubNotifier delivers notification steps as hub events, tagged with the
// run correlation IDs carried on the context.
type HubNotifier struct {
	hub EventHub
}

// NewHubNotifier creates a notifier publishing to hub.
func NewHubNotifier(hub EventHub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Send(ctx context.Context, message, kind string) (bool, error) {
	err := n.hub.Publish(ctx, StreamEvent{
		RunID:      logging.RunID(ctx),
		WorkflowID: logging.WorkflowID(ctx),
		UserID:     logging.UserID(ctx),
		StepID:     logging.StepID(ctx),
		EventType:  schema.EventNotification,
		Payload:    map[string]any{"message": message, "type": kind},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
