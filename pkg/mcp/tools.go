package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/service"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/pkg/schema"
)

// handleDefine validates and stores a workflow.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, err := decodeDefinition(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	s.captureSession(ctx, userID)

	out, err := s.workflows.Define(ctx, service.DefineRequest{
		UserID:      userID,
		Name:        name,
		Description: req.GetString("description", ""),
		Status:      schema.WorkflowStatus(req.GetString("status", "")),
		Definition:  *def,
	})
	if err != nil {
		return toolError("define failed", err)
	}
	return marshalResult(out)
}

// handleUpdate edits a stored workflow. Only the arguments present change.
func (s *FlowServer) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	var update service.UpdateRequest
	args := req.GetArguments()
	if v, ok := args["name"].(string); ok {
		update.Name = &v
	}
	if v, ok := args["description"].(string); ok {
		update.Description = &v
	}
	if v, ok := args["status"].(string); ok {
		status := schema.WorkflowStatus(v)
		update.Status = &status
	}
	if defRaw := mcp.ParseStringMap(req, "definition", nil); defRaw != nil {
		def, err := decodeDefinition(defRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		update.Definition = def
	}

	s.captureSession(ctx, userID)

	out, err := s.workflows.Update(ctx, workflowID, userID, update)
	if err != nil {
		return toolError("update failed", err)
	}
	return marshalResult(out)
}

// handleExecute runs a stored workflow. A failed run is a normal result: the
// envelope carries success=false.
func (s *FlowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input_data", nil)

	s.captureSession(ctx, userID)

	ctx = engine.WithTrigger(ctx, store.TriggerMCP)
	res, err := s.workflows.Execute(ctx, workflowID, userID, input)
	if err != nil {
		return toolError("execute failed", err)
	}
	return marshalResult(res)
}

// handleRuns lists run history, or returns one run with its event log.
func (s *FlowServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.workflows.Run(ctx, runID, userID)
		if err != nil {
			return toolError("run lookup failed", err)
		}
		events, err := s.workflows.RunEvents(ctx, runID, userID, 0)
		if err != nil {
			return toolError("event lookup failed", err)
		}
		return marshalResult(map[string]any{"run": run, "events": events})
	}

	runs, err := s.workflows.Runs(ctx, store.RunFilter{
		UserID:     userID,
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.RunStatus(req.GetString("status", "")),
		Limit:      extractInt(req.GetArguments(), "limit", store.DefaultRunLimit),
	})
	if err != nil {
		return toolError("run query failed", err)
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

// handleStats aggregates a workflow's run history.
func (s *FlowServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	stats, err := s.workflows.Stats(ctx, workflowID, userID)
	if err != nil {
		return toolError("stats failed", err)
	}
	return marshalResult(stats)
}

// handleWorkflows lists the caller's workflows.
func (s *FlowServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	workflows, err := s.workflows.List(ctx, userID,
		schema.WorkflowStatus(req.GetString("status", "")),
		extractInt(req.GetArguments(), "limit", 50), 0)
	if err != nil {
		return toolError("workflow query failed", err)
	}
	return marshalResult(map[string]any{"workflows": workflows, "count": len(workflows)})
}

// handleCancel stops a run in flight.
func (s *FlowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	if err := s.workflows.Cancel(ctx, runID, userID); err != nil {
		return toolError("cancel failed", err)
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// --- Helpers ---

// toolError reports err as a tool-level error, keeping the FlowError code
// and details visible to the caller.
func toolError(prefix string, err error) (*mcp.CallToolResult, error) {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		data, mErr := json.Marshal(fe)
		if mErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data)), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

// decodeDefinition round-trips a tool argument through JSON to get a typed
// definition.
func decodeDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// extractInt safely extracts an integer from tool arguments.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the user to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
