package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/pkg/schema"
)

// Restart replaces an instance with a fresh one carrying the same data and
// initiator. A queued instance is requeued instead. The original records a RESTART
// operation naming the new instance and is cancelled if still open or queued.
type Restart struct {
	Binding
	Explanation string
}

func (c *Restart) Name() string        { return "restart" }
func (c *Restart) Kind() Kind          { return KindLifecycle }
func (c *Restart) Description() string { return "Restart process instance " + c.instanceID() }
func (c *Restart) Needs() []Collaborator {
	return []Collaborator{NeedEngine, NeedStore}
}

func (c *Restart) Authorize() error {
	if err := requireInitiatorOrRole(&c.Binding, adminRoles...); err != nil {
		return err
	}
	return requireInstance(&c.Binding)
}

func (c *Restart) Execute(ctx context.Context, env *Env) (*Transition, error) {
	old := c.Instance
	if err := checkOperation(schema.OperationRestart, old); err != nil {
		return nil, err
	}
	x := env.exec

	if old.ProcessStatus == schema.ProcessStatusQueued {
		t, err := Run(ctx, x, &Requeue{Binding: c.Binding, Explanation: c.Explanation})
		if err != nil {
			return nil, asInternal(err, "restart by requeue failed")
		}
		c.Instance = t.Instance
		return t, nil
	}

	created, err := Run(ctx, x, &CreateInstance{
		Binding: Binding{
			Principal:  c.Principal,
			Process:    c.Process,
			Deployment: c.Deployment,
		},
		Data:          schema.CloneData(old.Data),
		Label:         old.Label,
		keepInitiator: old.InitiatorID,
	})
	if err != nil {
		return nil, asInternal(err, "restart could not create a replacement instance")
	}
	if created.ProcessStatus == schema.ProcessStatusQueued {
		c.withdraw(ctx, env, created)
		return nil, schema.NewErrorf(schema.ErrCodeEngine,
			"restart of process instance %q failed: engine did not start the replacement", old.ProcessInstanceID).
			WithDetails(map[string]any{
				"process_instance_id":     old.ProcessInstanceID,
				"replacement_instance_id": created.ProcessInstanceID,
			})
	}

	explanation := restartExplanation(c.Explanation, created.ProcessInstanceID)
	result := schema.OperationResult{
		Label:       old.ApplicationStatus,
		NewStatus:   old.ProcessStatus,
		Explanation: explanation,
	}
	t, err := storeTransition(ctx, env, &c.Binding, schema.OperationRestart, explanation, result)
	if err != nil {
		return nil, err
	}
	t.Related = created

	switch t.Instance.ProcessStatus {
	case schema.ProcessStatusOpen, schema.ProcessStatusQueued:
		cancelled, err := Run(ctx, x, &Cancellation{
			Binding:     Binding{Principal: c.Principal, Process: c.Process, Deployment: c.Deployment, Instance: t.Instance},
			Explanation: explanation,
		})
		if err != nil {
			return nil, asInternal(err, "restart could not cancel the original instance")
		}
		c.Instance = cancelled.Instance
		t.Instance = cancelled.Instance
		t.Result = cancelled.Result
	}
	return t, nil
}

// withdraw cancels a replacement the engine never started, so the requeue
// sweep does not start it next to the original.
func (c *Restart) withdraw(ctx context.Context, env *Env, created *schema.ProcessInstance) {
	ctx, release := env.exec.locks.Acquire(ctx, created.ProcessInstanceID)
	defer release()

	reason := "Restart of " + c.Instance.ProcessInstanceID + " failed"
	result := schema.OperationResult{
		Label:       c.Process.CancelledLabel(),
		NewStatus:   schema.ProcessStatusCancelled,
		Explanation: reason,
	}
	if _, err := env.Store.StoreOperation(ctx, created, result, operation(&c.Binding, schema.OperationCancellation, reason)); err != nil {
		logging.LogWith(ctx, env.Logger).Warn("could not withdraw unstarted replacement",
			slog.String("replacement_instance_id", created.ProcessInstanceID),
			slog.String("error", err.Error()),
		)
	}
}

func restartExplanation(explanation, newID string) string {
	ref := fmt.Sprintf("Restarted as %s", newID)
	if explanation == "" {
		return ref
	}
	return explanation + " (" + ref + ")"
}
