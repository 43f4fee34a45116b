package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/casework/internal/command"
	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/store"
)

// ServerDeps holds the dependencies for creating a CaseServer.
type ServerDeps struct {
	Factory   *command.Factory
	Audit     *store.AuditLog
	Directory identity.Directory
	Logger    *slog.Logger
}

// CaseServer wraps an MCP server with the casework tool handlers.
type CaseServer struct {
	factory   *command.Factory
	audit     *store.AuditLog
	directory identity.Directory
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewCaseServer creates a CaseServer with all 6 tools registered.
func NewCaseServer(deps ServerDeps) *CaseServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CaseServer{
		factory:   deps.Factory,
		audit:     deps.Audit,
		directory: deps.Directory,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"casework",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Casework runs case-management commands against process instances. Use casework.create to open a case, casework.lifecycle to activate, suspend, cancel, restart, requeue or complete it, casework.assign to assign a task, casework.complete to submit task data, casework.status to read or relabel a case, and casework.audit to read its command history. Pass principal_id to act as a directory user."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CaseServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CaseServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *CaseServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: lifecycleTool(), Handler: s.handleLifecycle},
		{Tool: assignTool(), Handler: s.handleAssign},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: auditTool(), Handler: s.handleAudit},
	}
}

// --- Tool definitions ---

func principalArg() mcp.ToolOption {
	return mcp.WithString("principal_id", mcp.Description("Directory id of the acting user (default: anonymous)"))
}

func createTool() mcp.Tool {
	return mcp.NewTool("casework.create",
		mcp.WithDescription("Open a new case on the current deployment of a process"),
		mcp.WithString("process_key", mcp.Required(), mcp.Description("Process definition key")),
		mcp.WithObject("data", mcp.Description("Form data: field name to a string or a list of strings")),
		mcp.WithString("submitter_id", mcp.Description("User the case is submitted on behalf of (system principals only)")),
		mcp.WithString("label", mcp.Description("Case label")),
		principalArg(),
	)
}

func lifecycleTool() mcp.Tool {
	return mcp.NewTool("casework.lifecycle",
		mcp.WithDescription("Change the lifecycle state of a case"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Process instance id")),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum(lifecycleOperations...),
			mcp.Description("Lifecycle operation to apply"),
		),
		mcp.WithString("explanation", mcp.Description("Reason recorded with the operation")),
		principalArg(),
	)
}

func assignTool() mcp.Tool {
	return mcp.NewTool("casework.assign",
		mcp.WithDescription("Assign an active task to a user"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Process instance id")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task instance id")),
		mcp.WithString("assignee", mcp.Required(), mcp.Description("User id of the new assignee")),
		principalArg(),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("casework.complete",
		mcp.WithDescription("Submit data for a task"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Process instance id")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task instance id")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("complete", "reject", "attach", "save", "validate"),
			mcp.Description("Submission action"),
		),
		mcp.WithObject("data", mcp.Description("Form data: field name to a string or a list of strings")),
		principalArg(),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("casework.status",
		mcp.WithDescription("Get a case, or set its application status when label is given"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Process instance id")),
		mcp.WithString("label", mcp.Description("New application status label")),
		mcp.WithString("explanation", mcp.Description("Explanation of the new status")),
		principalArg(),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("casework.audit",
		mcp.WithDescription("Read the command history of a case or process"),
		mcp.WithString("key", mcp.Required(), mcp.Description("Process instance id or process definition key")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence")),
		mcp.WithBoolean("summary", mcp.Description("Return command counts instead of events")),
	)
}
