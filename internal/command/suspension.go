package command

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// Suspension pauses an open instance, remembering its application status.
type Suspension struct {
	Binding
	Explanation string
}

func (c *Suspension) Name() string          { return "suspension" }
func (c *Suspension) Kind() Kind            { return KindLifecycle }
func (c *Suspension) Description() string   { return "Suspend process instance " + c.instanceID() }
func (c *Suspension) Needs() []Collaborator { return []Collaborator{NeedEngine, NeedStore} }

func (c *Suspension) Authorize() error {
	if err := requireRole(&c.Binding, adminRoles...); err != nil {
		return err
	}
	return requireInstance(&c.Binding)
}

func (c *Suspension) Execute(ctx context.Context, env *Env) (*Transition, error) {
	inst := c.Instance
	if err := checkOperation(schema.OperationSuspension, inst); err != nil {
		return nil, err
	}
	ok, err := env.Engine.Suspend(ctx, c.Process, c.Deployment, inst)
	if err != nil || !ok {
		return nil, engineRefused(schema.ErrCodeInvalidProcessStatus, "suspend", inst, err)
	}
	result := schema.OperationResult{
		Label:          c.Process.SuspendedLabel(),
		PreviousStatus: inst.ApplicationStatus,
		NewStatus:      schema.ProcessStatusSuspended,
		Explanation:    c.Explanation,
	}
	return storeTransition(ctx, env, &c.Binding, schema.OperationSuspension, c.Explanation, result)
}
