package schema

import "time"

// CommandEvent is the audit record written once per executed command,
// independent of the process instance it targets.
type CommandEvent struct {
	ID          string          `json:"id"`
	Sequence    int64           `json:"sequence"`
	Command     string          `json:"command"`
	Description string          `json:"description"`
	Context     ProviderContext `json:"context"`
	Completed   bool            `json:"completed"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	DurationMs  int64           `json:"duration_ms"`
}

// ProviderContext identifies what a command acted on and on whose behalf.
type ProviderContext struct {
	ProcessDefinitionKey string `json:"process_definition_key,omitempty"`
	DeploymentID         string `json:"deployment_id,omitempty"`
	ProcessInstanceID    string `json:"process_instance_id,omitempty"`
	TaskID               string `json:"task_id,omitempty"`
	PrincipalID          string `json:"principal_id,omitempty"`
}

// Key returns the audit stream the event belongs to: the instance when known,
// otherwise the process.
func (c ProviderContext) Key() string {
	if c.ProcessInstanceID != "" {
		return c.ProcessInstanceID
	}
	return c.ProcessDefinitionKey
}
