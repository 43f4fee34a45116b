package command

import (
	"context"
	"log/slog"

	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/pkg/schema"
)

type taskActionHandler func(ctx context.Context, c *CompleteTask, env *Env) (*schema.ProcessInstance, error)

// taskActions dispatches Complete-Task by action type. Actions without an
// entry (validate) leave the instance unchanged.
var taskActions = map[schema.ActionType]taskActionHandler{
	schema.ActionComplete: completeThenPersist,
	schema.ActionReject:   completeThenPersist,
	schema.ActionAttach:   persistSubmission,
	schema.ActionSave:     persistSubmission,
}

// CompleteTask submits work on a task. Completing or rejecting advances the
// engine and then saves the submission; attach and save only store data.
type CompleteTask struct {
	Binding
	Action     schema.ActionType
	Validation *schema.Validation
}

func (c *CompleteTask) Name() string        { return "complete_task" }
func (c *CompleteTask) Kind() Kind          { return KindData }
func (c *CompleteTask) Description() string { return string(c.Action) + " task " + c.taskID() }
func (c *CompleteTask) Needs() []Collaborator {
	return []Collaborator{NeedEngine, NeedStore}
}

func (c *CompleteTask) Authorize() error {
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

func (c *CompleteTask) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	handler, ok := taskActions[c.Action]
	if !ok {
		return c.Instance, nil
	}
	if err := requireMutable(c.Instance); err != nil {
		return nil, err
	}
	return handler(ctx, c, env)
}

func completeThenPersist(ctx context.Context, c *CompleteTask, env *Env) (*schema.ProcessInstance, error) {
	taskID := c.Task.TaskInstanceID
	ok, err := env.Engine.CompleteTask(ctx, c.Process, c.Deployment, taskID, c.Action, c.Validation, c.Principal)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.reconcile(ctx, env)
		return nil, schema.NewErrorf(schema.ErrCodeActiveTaskRequired,
			"task %q is not active in the engine", taskID).
			WithDetails(map[string]any{"task_id": taskID, "action": string(c.Action)})
	}
	return persistSubmission(ctx, c, env)
}

// reconcile overwrites the stored task with the engine's view of it.
func (c *CompleteTask) reconcile(ctx context.Context, env *Env) {
	log := logging.LogWith(ctx, env.Logger)
	current, err := env.Engine.FindTask(ctx, c.Process, c.Deployment, c.Task.TaskInstanceID, false)
	if err != nil {
		log.Warn("task reconciliation read failed", slog.String("error", err.Error()))
		return
	}
	if current == nil {
		log.Warn("engine no longer knows the task")
		return
	}
	stored, err := env.Store.StoreTask(ctx, c.Instance, *current)
	if err != nil {
		log.Warn("failed to store reconciled task", slog.String("error", err.Error()))
		return
	}
	c.Instance = stored
	c.Task = current
}

func persistSubmission(ctx context.Context, c *CompleteTask, env *Env) (*schema.ProcessInstance, error) {
	var v schema.Validation
	if c.Validation != nil {
		v = *c.Validation
	}
	sub := newSubmission(&c.Binding, c.Action, env)
	if v.Submission != nil {
		cp := *v.Submission
		cp.TaskID = sub.TaskID
		cp.ActionType = c.Action
		if cp.SubmitterID == "" {
			cp.SubmitterID = sub.SubmitterID
		}
		sub = &cp
	}
	v.Submission = sub
	stored, err := env.Store.StoreSubmission(ctx, c.Instance, &v)
	if err != nil {
		return nil, err
	}
	c.Instance = stored
	return stored, nil
}

// newSubmission builds the provenance record for a data change by the bound principal.
func newSubmission(b *Binding, action schema.ActionType, env *Env) *schema.Submission {
	sub := &schema.Submission{
		ActionType:     action,
		SubmitterID:    b.Principal.UserID(),
		SubmissionDate: env.now(),
	}
	if b.Instance != nil {
		sub.ProcessDefinitionKey = b.Instance.ProcessDefinitionKey
		sub.ProcessInstanceID = b.Instance.ProcessInstanceID
	}
	if b.Task != nil {
		sub.TaskID = b.Task.TaskInstanceID
	}
	return sub
}
