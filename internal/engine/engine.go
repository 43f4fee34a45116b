package engine

import (
	"context"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/pkg/schema"
)

// Engine is the facade over the workflow runtime that executes process
// definitions. Boolean results report whether the engine accepted the change;
// errors report that the engine could not be asked at all.
type Engine interface {
	// Start begins a new execution whose business key is the instance id and
	// returns the engine execution id.
	Start(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (string, error)
	Activate(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (bool, error)
	Suspend(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (bool, error)
	Cancel(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (bool, error)
	// Assign sets the task assignee. An empty assignee unassigns the task.
	Assign(ctx context.Context, process *schema.Process, deployment *schema.Deployment, task *schema.Task, assignee string) (bool, error)
	CompleteTask(ctx context.Context, process *schema.Process, deployment *schema.Deployment, taskID string, action schema.ActionType, validation *schema.Validation, principal *identity.Principal) (bool, error)
	// FindTask returns nil without error when the task is unknown, or inactive and activeOnly is set.
	FindTask(ctx context.Context, process *schema.Process, deployment *schema.Deployment, taskID string, activeOnly bool) (*schema.Task, error)
	CreateSubTask(ctx context.Context, process *schema.Process, deployment *schema.Deployment, parent *schema.Task, validation *schema.Validation) (*schema.Task, error)
	Deploy(ctx context.Context, process *schema.Process, deployment *schema.Deployment, content []byte) (*schema.Deployment, error)
	// FindExecution returns the id of the live execution started for the
	// business key, or "" when there is none.
	FindExecution(ctx context.Context, process *schema.Process, deployment *schema.Deployment, businessKey string) (string, error)
}

// Listener receives engine notifications. Notifications are delivered in
// order on a single goroutine, never on the goroutine that made the engine call.
type Listener interface {
	// TaskChanged reports a created, assigned or finished task.
	TaskChanged(ctx context.Context, businessKey string, task schema.Task)
	// ExecutionEnded reports that the execution for businessKey reached its end.
	ExecutionEnded(ctx context.Context, businessKey string)
}

func engineError(format string, args ...any) *schema.CaseError {
	return schema.NewErrorf(schema.ErrCodeEngine, format, args...)
}
