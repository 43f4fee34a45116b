package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/casework/internal/command"
	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/pkg/schema"
)

var lifecycleOperations = []string{"activate", "suspend", "cancel", "restart", "requeue", "complete"}

type lifecycleFunc func(ctx context.Context, p *identity.Principal, instanceID, explanation string) (*command.Transition, error)

func (s *CaseServer) lifecycle(operation string) (lifecycleFunc, bool) {
	switch operation {
	case "activate":
		return s.factory.Activate, true
	case "suspend":
		return s.factory.Suspend, true
	case "cancel":
		return s.factory.Cancel, true
	case "restart":
		return s.factory.Restart, true
	case "requeue":
		return s.factory.Requeue, true
	case "complete":
		return s.factory.Complete, true
	}
	return nil, false
}

// handleCreate opens a case on a process.
func (s *CaseServer) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processKey, err := req.RequireString("process_key")
	if err != nil {
		return mcp.NewToolResultError("process_key is required"), nil
	}
	data, err := parseData(mcp.ParseStringMap(req, "data", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	principal, errResult := s.principal(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	inst, err := s.factory.Create(ctx, principal, command.CreateRequest{
		ProcessKey:  processKey,
		Data:        data,
		SubmitterID: req.GetString("submitter_id", ""),
		Label:       req.GetString("label", ""),
	})
	if err != nil {
		return commandError("create failed", err), nil
	}
	return marshalResult(inst)
}

// handleLifecycle applies a lifecycle operation to a case.
func (s *CaseServer) handleLifecycle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	run, ok := s.lifecycle(operation)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation: %s", operation)), nil
	}
	principal, errResult := s.principal(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	tr, err := run(ctx, principal, instanceID, req.GetString("explanation", ""))
	if err != nil {
		return commandError(operation+" failed", err), nil
	}
	return marshalResult(tr)
}

// handleAssign assigns a task and notifies the assignee when connected.
func (s *CaseServer) handleAssign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	assignee, err := req.RequireString("assignee")
	if err != nil {
		return mcp.NewToolResultError("assignee is required"), nil
	}
	principal, errResult := s.principal(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	tr, err := s.factory.Assign(ctx, principal, instanceID, taskID, assignee)
	if err != nil {
		return commandError("assign failed", err), nil
	}

	notice := Assignment{
		ProcessInstanceID: instanceID,
		TaskInstanceID:    taskID,
		Assignee:          assignee,
		AssignedBy:        principal.UserID(),
	}
	if tr.Instance != nil {
		if task, ok := tr.Instance.Task(taskID); ok {
			notice.TaskDefinitionKey = task.TaskDefinitionKey
		}
	}
	if err := s.notifier.Assigned(ctx, notice); err != nil {
		s.logger.Warn("assignment notification failed",
			slog.String("assignee", assignee),
			slog.String("error", err.Error()),
		)
	}
	return marshalResult(tr)
}

// handleComplete submits task data with the requested action.
func (s *CaseServer) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	data, err := parseData(mcp.ParseStringMap(req, "data", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	principal, errResult := s.principal(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	sub := &schema.Submission{
		ActionType:  schema.ActionType(action),
		SubmitterID: principal.UserID(),
		Data:        data,
	}
	inst, err := s.factory.CompleteTask(ctx, principal, instanceID, taskID, schema.ActionType(action), sub, nil)
	if err != nil {
		return commandError(action+" failed", err), nil
	}
	return marshalResult(inst)
}

// handleStatus returns a case, or relabels it when label is given.
func (s *CaseServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	principal, errResult := s.principal(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	if label := req.GetString("label", ""); label != "" {
		tr, err := s.factory.UpdateStatus(ctx, principal, instanceID, label, req.GetString("explanation", ""))
		if err != nil {
			return commandError("status update failed", err), nil
		}
		return marshalResult(tr)
	}

	b, err := s.factory.BindInstance(ctx, principal, instanceID)
	if err != nil {
		return commandError("status query failed", err), nil
	}
	if !canView(b) {
		return commandError("status query failed", schema.NewErrorf(schema.ErrCodeInsufficientPermission,
			"principal %q may not view process instance %q", principal.UserID(), instanceID)), nil
	}
	return marshalResult(b.Instance)
}

// handleAudit reads the command stream of an instance or process.
func (s *CaseServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	if s.audit == nil {
		return mcp.NewToolResultError("audit log is not configured"), nil
	}

	args := req.GetArguments()
	if summary, _ := args["summary"].(bool); summary {
		sum, err := s.audit.Summarize(ctx, key)
		if err != nil {
			return commandError("audit query failed", err), nil
		}
		return marshalResult(sum)
	}

	since := extractInt(args, "since", 0)
	events, err := s.audit.Events(ctx, key, int64(since))
	if err != nil {
		return commandError("audit query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// principal resolves principal_id through the directory. A missing id is
// the anonymous caller.
func (s *CaseServer) principal(ctx context.Context, req mcp.CallToolRequest) (*identity.Principal, *mcp.CallToolResult) {
	id := req.GetString("principal_id", "")
	if id == "" {
		return nil, nil
	}
	p := &identity.Principal{ID: id, Type: identity.PrincipalTypeHuman}
	if s.directory != nil {
		var err error
		if p, err = s.directory.Lookup(ctx, id); err != nil {
			return nil, commandError("principal lookup failed", err)
		}
	}
	s.trackSession(ctx, p)
	return p, nil
}

func canView(b command.Binding) bool {
	p := b.Principal
	if identity.IsAnonymous(p) {
		return false
	}
	if p.HasRole(b.Process, schema.RoleAdmin, schema.RoleSuperuser, schema.RoleOverseer) {
		return true
	}
	if b.Instance.InitiatorID == p.ID {
		return true
	}
	for i := range b.Instance.Tasks {
		if p.IsCandidateOrAssignee(&b.Instance.Tasks[i]) {
			return true
		}
	}
	return false
}

// parseData converts tool data into form values. Each field holds a string,
// a list of strings, or a list of value objects.
func parseData(raw map[string]any) (map[string][]schema.Value, error) {
	if raw == nil {
		return nil, nil
	}
	data := make(map[string][]schema.Value, len(raw))
	for field, v := range raw {
		switch val := v.(type) {
		case string:
			data[field] = []schema.Value{{Value: val}}
		case []any:
			values := make([]schema.Value, 0, len(val))
			for _, item := range val {
				value, err := parseValue(item)
				if err != nil {
					return nil, fmt.Errorf("invalid data field %q: %w", field, err)
				}
				values = append(values, value)
			}
			data[field] = values
		default:
			value, err := parseValue(val)
			if err != nil {
				return nil, fmt.Errorf("invalid data field %q: %w", field, err)
			}
			data[field] = []schema.Value{value}
		}
	}
	return data, nil
}

func parseValue(v any) (schema.Value, error) {
	switch val := v.(type) {
	case string:
		return schema.Value{Value: val}, nil
	case float64:
		return schema.Value{Value: strconv.FormatFloat(val, 'f', -1, 64)}, nil
	case bool:
		return schema.Value{Value: strconv.FormatBool(val)}, nil
	case map[string]any:
		raw, err := json.Marshal(val)
		if err != nil {
			return schema.Value{}, err
		}
		var value schema.Value
		if err := json.Unmarshal(raw, &value); err != nil {
			return schema.Value{}, err
		}
		return value, nil
	}
	return schema.Value{}, fmt.Errorf("unsupported value type %T", v)
}

// extractInt safely extracts an integer from an argument map.
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

// trackSession remembers the caller's MCP session so assignment notices reach it.
func (s *CaseServer) trackSession(ctx context.Context, p *identity.Principal) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Track(p, session.SessionID())
	}
}

// commandError renders a failed command as a tool error carrying the
// error code and kind.
func commandError(prefix string, err error) *mcp.CallToolResult {
	var ce *schema.CaseError
	if errors.As(err, &ce) {
		payload := map[string]any{
			"error":   fmt.Sprintf("%s: %s", prefix, ce.Message),
			"code":    ce.Code,
			"kind":    ce.Kind(),
			"details": ce.Details,
		}
		if data, mErr := json.Marshal(payload); mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
