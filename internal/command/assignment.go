package command

import (
	"context"
	"log/slog"

	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/pkg/schema"
)

// Assignment sets or clears the assignee of a task. An empty Assignee
// unassigns the task and is always allowed.
type Assignment struct {
	Binding
	Assignee string
}

func (c *Assignment) Name() string          { return "assignment" }
func (c *Assignment) Kind() Kind            { return KindLifecycle }
func (c *Assignment) Description() string   { return "Assign task " + c.taskID() + " to " + c.assigneeLabel() }
func (c *Assignment) Needs() []Collaborator { return []Collaborator{NeedEngine, NeedStore} }

func (c *Assignment) assigneeLabel() string {
	if c.Assignee == "" {
		return "nobody"
	}
	return c.Assignee
}

func (c *Assignment) Authorize() error {
	if err := requireAuthenticated(&c.Binding); err != nil {
		return err
	}
	if err := requireInstance(&c.Binding); err != nil {
		return err
	}
	if err := requireTask(&c.Binding); err != nil {
		return err
	}
	if c.Principal.HasRole(c.Process, adminRoles...) {
		return nil
	}
	return requireTaskActor(&c.Binding)
}

func (c *Assignment) Execute(ctx context.Context, env *Env) (*Transition, error) {
	inst := c.Instance
	if err := checkOperation(schema.OperationAssignment, inst); err != nil {
		return nil, err
	}
	if err := c.checkCandidate(ctx, env); err != nil {
		return nil, err
	}

	ok, err := env.Engine.Assign(ctx, c.Process, c.Deployment, c.Task, c.Assignee)
	if err != nil || !ok {
		return nil, engineRefused(schema.ErrCodeInvalidAssignment, "assign a task of", inst, err)
	}

	task := *c.Task
	task.Assignee = c.Assignee
	withTask, err := env.Store.StoreTask(ctx, inst, task)
	if err != nil {
		return nil, err
	}
	c.Instance = withTask
	reason := "assigned to " + c.assigneeLabel()
	return storeTransition(ctx, env, &c.Binding, schema.OperationAssignment, reason, unchanged(withTask))
}

// checkCandidate enforces the deployment's candidate restriction. Groups of
// the assignee are looked up in the directory when one is configured.
func (c *Assignment) checkCandidate(ctx context.Context, env *Env) error {
	if c.Assignee == "" || c.Deployment == nil || !c.Deployment.AssignmentRestrictedToCandidates {
		return nil
	}
	var groups []string
	if env.Directory != nil {
		p, err := env.Directory.Lookup(ctx, c.Assignee)
		switch {
		case err == nil:
			groups = p.Groups
		case schema.IsKind(err, schema.KindNotFound):
		default:
			logging.LogWith(ctx, env.Logger).Warn("assignee lookup failed",
				slog.String("assignee", c.Assignee),
				slog.String("error", err.Error()),
			)
		}
	}
	candidate := &schema.Task{CandidateAssigneeIDs: c.Task.CandidateAssigneeIDs}
	if candidate.IsCandidateOrAssignee(c.Assignee, groups) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidAssignment,
		"%q is not a candidate for task %q", c.Assignee, c.Task.TaskInstanceID).
		WithDetails(map[string]any{
			"assignee":   c.Assignee,
			"task_id":    c.Task.TaskInstanceID,
			"candidates": c.Task.CandidateAssigneeIDs,
		})
}
