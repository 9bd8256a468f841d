package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor engine.Executor
	// Sessions, when set, records which client session started each run so
	// a Notifier can push run updates back to it.
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// Server exposes the executor's operations as MCP tools.
type Server struct {
	executor  engine.Executor
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every workflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		executor: deps.Executor,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs durable step-graph workflows. Use workflow.publish to register a definition, workflow.start to create a run, workflow.signal to resume a paused run, workflow.cancel to stop one, workflow.status and workflow.history to inspect it, workflow.compensate to undo a failed run, and workflow.diagram to draw a definition."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: compensateTool(), Handler: s.handleCompensate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func publishTool() mcp.Tool {
	return mcp.NewTool("workflow.publish",
		mcp.WithDescription("Publish a workflow definition as a new immutable version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: {code, version, startAt, steps}")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a run of a published workflow"),
		mcp.WithString("definition_code", mcp.Required(), mcp.Description("Code of the workflow definition")),
		mcp.WithNumber("version", mcp.Description("Published version (default: latest)")),
		mcp.WithObject("context", mcp.Description("Initial context document")),
		mcp.WithString("correlation_id", mcp.Description("Business key used to address signals")),
		mcp.WithString("idempotency_key", mcp.Description("Repeated starts with the same key return the same run")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("workflow.signal",
		mcp.WithDescription("Deliver a signal to a paused run"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Signal name, Resume, or Cancel")),
		mcp.WithString("run_id", mcp.Description("Target run")),
		mcp.WithString("correlation_id", mcp.Description("Target the active run with this correlation id")),
		mcp.WithString("step_id", mcp.Description("Only apply while the run is at this step")),
		mcp.WithString("idempotency_key", mcp.Description("Signals repeating a handled key are ignored")),
		mcp.WithObject("payload", mcp.Description("Data merged into the run context")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a running or paused run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Target run")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the state and context of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to query")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("workflow.history",
		mcp.WithDescription("List the steps a run has visited"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to query")),
		mcp.WithBoolean("include_events", mcp.Description("Also return the run's event log")),
	)
}

func compensateTool() mcp.Tool {
	return mcp.NewTool("workflow.compensate",
		mcp.WithDescription("Run the compensation path of a failed run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Failed run to compensate")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("workflow.diagram",
		mcp.WithDescription("Render a workflow definition as a Mermaid flowchart"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: {code, version, startAt, steps}")),
		mcp.WithString("run_id", mcp.Description("Overlay the step states of this run")),
	)
}

// Sessions returns the run-to-session registry used for notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}
