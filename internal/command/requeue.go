package command

import (
	"context"
	"log/slog"

	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/pkg/schema"
)

// Requeue reopens a queued instance and starts a new engine execution for it.
// The instance keeps its id; its task set and engine id are cleared first.
type Requeue struct {
	Binding
	Explanation string
}

func (c *Requeue) Name() string        { return "requeue" }
func (c *Requeue) Kind() Kind          { return KindLifecycle }
func (c *Requeue) Description() string { return "Requeue process instance " + c.instanceID() }
func (c *Requeue) Needs() []Collaborator {
	return []Collaborator{NeedEngine, NeedStore}
}

func (c *Requeue) Authorize() error {
	if err := requireInitiatorOrRole(&c.Binding, adminRoles...); err != nil {
		return err
	}
	if err := requireInstance(&c.Binding); err != nil {
		return err
	}
	if c.Deployment == nil {
		return misconfigured(c.Process, "process has no deployment to requeue on")
	}
	return nil
}

func (c *Requeue) Execute(ctx context.Context, env *Env) (*Transition, error) {
	if err := checkOperation(schema.OperationRequeue, c.Instance); err != nil {
		return nil, err
	}
	reopened, err := env.Store.StoreRequeue(ctx, c.Instance, operation(&c.Binding, schema.OperationRequeue, c.Explanation))
	if err != nil {
		return nil, err
	}
	c.Instance = reopened
	result := unchanged(reopened)

	engineID, err := env.Engine.Start(ctx, c.Process, c.Deployment, reopened)
	if err != nil {
		queued, qerr := env.Store.StoreQueued(ctx, reopened, "engine start failed: "+err.Error())
		if qerr != nil {
			logging.LogWith(ctx, env.Logger).Error("failed to park instance after engine start failure",
				slog.String("error", qerr.Error()),
			)
		} else {
			c.Instance = queued
		}
		return nil, schema.NewErrorf(schema.ErrCodeEngine, "engine start failed for process instance %q: %s",
			reopened.ProcessInstanceID, err.Error()).WithCause(err)
	}

	stored, err := env.Store.StoreEngineID(ctx, reopened, engineID)
	if err != nil {
		// The execution is running; the reconcile sweep recovers the id by business key.
		logging.LogWith(ctx, env.Logger).Error("failed to record engine id after start",
			slog.String("engine_process_instance_id", engineID),
			slog.String("error", err.Error()),
		)
		return &Transition{Result: result, Instance: reopened}, nil
	}
	c.Instance = stored
	return &Transition{Result: result, Instance: stored}, nil
}

func misconfigured(process *schema.Process, msg string) error {
	key := ""
	if process != nil {
		key = process.ProcessDefinitionKey
	}
	return schema.NewError(schema.ErrCodeMisconfigured, msg).
		WithDetails(map[string]any{"process_definition_key": key})
}
