package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vallit/flowexec/internal/service"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Workflows *service.Workflows
	// Sessions maps users to MCP sessions for push notifications. Optional.
	Sessions *SessionRegistry
	Logger   *slog.Logger
	Version  string
}

// FlowServer exposes workflow management and execution as MCP tools.
type FlowServer struct {
	workflows *service.Workflows
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a new FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &FlowServer{
		workflows: deps.Workflows,
		sessions:  sessions,
		logger:    logger.With("component", "mcp"),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"flowexec",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("flowexec runs JSON-defined workflows. Use flow.define to store a workflow, flow.update to edit it, flow.execute to run it, flow.runs to read run history, flow.stats for aggregates, flow.workflows to list and flow.cancel to stop a run in flight."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *FlowServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user to session registry filled by tool calls.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: updateTool(), Handler: s.handleUpdate},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: steps and error_handling")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithString("status",
			mcp.Enum("active", "paused", "draft"),
			mcp.Description("Initial status (default: active)"),
		),
	)
}

func updateTool() mcp.Tool {
	return mcp.NewTool("flow.update",
		mcp.WithDescription("Edit a stored workflow; omitted fields are kept"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("status",
			mcp.Enum("active", "paused", "draft"),
			mcp.Description("New status"),
		),
		mcp.WithObject("definition", mcp.Description("Replacement definition, validated like flow.define")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("flow.execute",
		mcp.WithDescription("Run a stored workflow and return its result envelope"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User the run executes for")),
		mcp.WithObject("input_data", mcp.Description("Run input, visible to templates as input.*")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("flow.runs",
		mcp.WithDescription("List run history, newest first, or fetch one run with its events"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the runs")),
		mcp.WithString("run_id", mcp.Description("Fetch a single run and its event log")),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status",
			mcp.Enum("running", "completed", "failed", "cancelled"),
			mcp.Description("Only runs in this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum runs returned (default: 50)")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("flow.stats",
		mcp.WithDescription("Aggregate the run history of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("flow.workflows",
		mcp.WithDescription("List stored workflows"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflows")),
		mcp.WithString("status",
			mcp.Enum("active", "paused", "draft"),
			mcp.Description("Only workflows in this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum workflows returned")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel a run that is still executing"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the run")),
	)
}
