package command

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// CreateSubTask asks the engine for a task subordinate to the bound one and
// adds it to the instance.
type CreateSubTask struct {
	Binding
	Validation *schema.Validation
}

func (c *CreateSubTask) Name() string        { return "create_sub_task" }
func (c *CreateSubTask) Kind() Kind          { return KindData }
func (c *CreateSubTask) Description() string { return "Create sub-task of " + c.taskID() }
func (c *CreateSubTask) Needs() []Collaborator {
	return []Collaborator{NeedEngine, NeedStore}
}

func (c *CreateSubTask) Authorize() error {
	if err := requireAuthenticated(&c.Binding); err != nil {
		return err
	}
	if err := requireInstance(&c.Binding); err != nil {
		return err
	}
	if err := requireTask(&c.Binding); err != nil {
		return err
	}
	return requireTaskActor(&c.Binding)
}

func (c *CreateSubTask) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	parent := c.Task
	if !parent.Active {
		return nil, schema.NewErrorf(schema.ErrCodeActiveTaskRequired, "parent task %q is not active", parent.TaskInstanceID).
			WithDetails(map[string]any{"task_id": parent.TaskInstanceID})
	}
	if err := requireMutable(c.Instance); err != nil {
		return nil, err
	}

	sub, err := env.Engine.CreateSubTask(ctx, c.Process, c.Deployment, parent, c.Validation)
	if err != nil {
		return nil, subTaskInvalid(parent, "engine rejected sub-task", err)
	}
	if sub == nil {
		return nil, subTaskInvalid(parent, "engine returned no sub-task", nil)
	}
	stored, err := env.Store.StoreTask(ctx, c.Instance, *sub)
	if err != nil {
		return nil, subTaskInvalid(parent, "sub-task could not be stored", err)
	}
	if stored == nil {
		return nil, subTaskInvalid(parent, "storage returned no instance", nil)
	}
	c.Instance = stored
	return stored, nil
}

func subTaskInvalid(parent *schema.Task, msg string, cause error) error {
	e := schema.NewErrorf(schema.ErrCodeSubTaskCreateInvalid, "%s for task %q", msg, parent.TaskInstanceID).
		WithDetails(map[string]any{"parent_task_id": parent.TaskInstanceID})
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}
