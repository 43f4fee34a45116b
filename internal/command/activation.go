package command

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// Activation resumes a suspended instance and restores the application
// status it had before suspension.
type Activation struct {
	Binding
	Explanation string
}

func (c *Activation) Name() string          { return "activation" }
func (c *Activation) Kind() Kind            { return KindLifecycle }
func (c *Activation) Description() string   { return "Activate process instance " + c.instanceID() }
func (c *Activation) Needs() []Collaborator { return []Collaborator{NeedEngine, NeedStore} }

func (c *Activation) Authorize() error {
	if err := requireRole(&c.Binding, adminRoles...); err != nil {
		return err
	}
	return requireInstance(&c.Binding)
}

func (c *Activation) Execute(ctx context.Context, env *Env) (*Transition, error) {
	inst := c.Instance
	if err := checkOperation(schema.OperationActivation, inst); err != nil {
		return nil, err
	}
	ok, err := env.Engine.Activate(ctx, c.Process, c.Deployment, inst)
	if err != nil || !ok {
		return nil, engineRefused(schema.ErrCodeInvalidProcessStatus, "activate", inst, err)
	}
	label := inst.PreviousApplicationStatus
	if label == "" {
		label = inst.ApplicationStatus
	}
	result := schema.OperationResult{
		Label:       label,
		NewStatus:   schema.ProcessStatusOpen,
		Explanation: c.Explanation,
	}
	return storeTransition(ctx, env, &c.Binding, schema.OperationActivation, c.Explanation, result)
}
