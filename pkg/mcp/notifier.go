package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/vallit/flowexec/internal/logging"
)

// ClientSender pushes a notification to one MCP session.
// Satisfied by *server.MCPServer.
type ClientSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier delivers notification steps to the MCP session of the user the
// run executes for.
type MCPNotifier struct {
	sender   ClientSender
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP.
func NewMCPNotifier(sender ClientSender, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sender: sender, sessions: sessions}
}

// Send pushes message to the run owner's session. Delivery is best-effort:
// it reports false, with no error, when the user is not connected.
func (n *MCPNotifier) Send(ctx context.Context, message, kind string) (bool, error) {
	userID := logging.UserID(ctx)
	if userID == "" {
		return false, nil
	}
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return false, nil
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  logLevel(kind),
		"logger": "flowexec",
		"data": map[string]any{
			"message":     message,
			"type":        kind,
			"run_id":      logging.RunID(ctx),
			"workflow_id": logging.WorkflowID(ctx),
			"step_id":     logging.StepID(ctx),
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// logLevel maps a notification type to an MCP logging level.
func logLevel(kind string) string {
	switch kind {
	case "error":
		return "error"
	case "warning":
		return "warning"
	case "success":
		return "notice"
	default:
		return "info"
	}
}
