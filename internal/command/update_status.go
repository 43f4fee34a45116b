package command

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// UpdateStatus changes the application status label without touching the
// lifecycle status or the engine.
type UpdateStatus struct {
	Binding
	Label       string
	Explanation string
}

func (c *UpdateStatus) Name() string          { return "update_status" }
func (c *UpdateStatus) Kind() Kind            { return KindLifecycle }
func (c *UpdateStatus) Description() string   { return "Update application status of " + c.instanceID() }
func (c *UpdateStatus) Needs() []Collaborator { return []Collaborator{NeedStore} }

func (c *UpdateStatus) Authorize() error {
	if err := requireRole(&c.Binding, adminRoles...); err != nil {
		return err
	}
	return requireInstance(&c.Binding)
}

func (c *UpdateStatus) Execute(ctx context.Context, env *Env) (*Transition, error) {
	if c.Label == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "application status label is required")
	}
	result := schema.OperationResult{
		Label:       c.Label,
		NewStatus:   c.Instance.ProcessStatus,
		Explanation: c.Explanation,
	}
	return storeTransition(ctx, env, &c.Binding, schema.OperationUpdate, c.Label, result)
}
