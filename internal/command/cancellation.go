package command

import (
	"context"
	"log/slog"

	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/pkg/schema"
)

// Cancellation stops an open or suspended instance. The engine call is
// best effort: a refusal or failure is logged and the instance is still
// marked cancelled.
type Cancellation struct {
	Binding
	Explanation string
}

func (c *Cancellation) Name() string          { return "cancellation" }
func (c *Cancellation) Kind() Kind            { return KindLifecycle }
func (c *Cancellation) Description() string   { return "Cancel process instance " + c.instanceID() }
func (c *Cancellation) Needs() []Collaborator { return []Collaborator{NeedEngine, NeedStore} }

func (c *Cancellation) Authorize() error {
	if err := requireInitiatorOrRole(&c.Binding, adminRoles...); err != nil {
		return err
	}
	return requireInstance(&c.Binding)
}

func (c *Cancellation) Execute(ctx context.Context, env *Env) (*Transition, error) {
	inst := c.Instance
	if err := checkOperation(schema.OperationCancellation, inst); err != nil {
		return nil, err
	}
	ok, err := env.Engine.Cancel(ctx, c.Process, c.Deployment, inst)
	switch {
	case err != nil:
		logging.LogWith(ctx, env.Logger).Warn("engine cancel failed; cancelling locally",
			slog.String("engine_process_instance_id", inst.EngineProcessInstanceID),
			slog.String("error", err.Error()),
		)
	case !ok:
		logging.LogWith(ctx, env.Logger).Warn("engine refused cancel; cancelling locally",
			slog.String("engine_process_instance_id", inst.EngineProcessInstanceID),
		)
	}
	result := schema.OperationResult{
		Label:       c.Process.CancelledLabel(),
		NewStatus:   schema.ProcessStatusCancelled,
		Explanation: c.Explanation,
	}
	return storeTransition(ctx, env, &c.Binding, schema.OperationCancellation, c.Explanation, result)
}
