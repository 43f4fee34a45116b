package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// Assignment tells a user that a task was handed to them.
type Assignment struct {
	ProcessInstanceID string `json:"process_instance_id"`
	TaskInstanceID    string `json:"task_instance_id"`
	TaskDefinitionKey string `json:"task_definition_key,omitempty"`
	Assignee          string `json:"assignee"`
	AssignedBy        string `json:"assigned_by"`
}

// Notifier delivers assignment notices to the users they concern.
type Notifier interface {
	Assigned(ctx context.Context, a Assignment) error
}

// MCPNotifier sends notices as MCP log messages on the assignee's session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Assigned is best-effort: an assignee who is not connected is skipped, and
// a session that has gone away is forgotten.
func (n *MCPNotifier) Assigned(_ context.Context, a Assignment) error {
	sessionID, ok := n.sessions.SessionFor(a.Assignee)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "casework.assignments",
		"data":   a,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		dropped := n.sessions.Forget(sessionID)
		n.logger.Debug("assignee session gone",
			slog.String("session_id", sessionID),
			slog.Int("dropped", dropped),
		)
		return nil
	}
	return err
}
