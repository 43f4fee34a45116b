package command

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// Completion closes an instance whose engine execution ended and archives it.
type Completion struct {
	Binding
	Explanation string
	// Data is merged into the instance before archiving.
	Data map[string][]schema.Value
}

func (c *Completion) Name() string          { return "completion" }
func (c *Completion) Kind() Kind            { return KindLifecycle }
func (c *Completion) Description() string   { return "Complete process instance " + c.instanceID() }
func (c *Completion) Needs() []Collaborator { return []Collaborator{NeedStore} }

func (c *Completion) Authorize() error {
	if err := requireRole(&c.Binding, adminRoles...); err != nil {
		return err
	}
	return requireInstance(&c.Binding)
}

func (c *Completion) Execute(ctx context.Context, env *Env) (*Transition, error) {
	inst := c.Instance
	if err := checkOperation(schema.OperationCompletion, inst); err != nil {
		return nil, err
	}
	result := schema.OperationResult{
		Label:       c.Process.CompletedLabel(),
		NewStatus:   schema.ProcessStatusComplete,
		Explanation: c.Explanation,
	}
	if err := checkResult(inst, result); err != nil {
		return nil, err
	}
	stored, err := env.Store.Archive(ctx, inst, result, operation(&c.Binding, schema.OperationCompletion, c.Explanation), c.Data)
	if err != nil {
		return nil, err
	}
	c.Instance = stored
	return &Transition{Result: result, Instance: stored}, nil
}
