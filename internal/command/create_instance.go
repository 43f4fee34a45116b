package command

import (
	"context"
	"log/slog"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/internal/store"
	"github.com/rendis/casework/pkg/schema"
)

// CreateInstance stores a new instance and then starts its engine execution.
// The instance is persisted before the engine start: if the start fails
// the instance is parked as QUEUED, and if recording the engine id fails
// the instance stays OPEN without one until the reconcile sweep finds it.
type CreateInstance struct {
	Binding
	Data        map[string][]schema.Value
	Attachments []schema.Attachment
	// Submission describes the originating form post, if any.
	Submission *schema.Submission
	// SubmitterID names the end user a system principal submits for.
	SubmitterID string
	Label       string

	// keepInitiator carries the initiator of a restarted instance over to its replacement.
	keepInitiator string
}

func (c *CreateInstance) Name() string        { return "create_instance" }
func (c *CreateInstance) Kind() Kind          { return KindData }
func (c *CreateInstance) Description() string { return "Create process instance of " + c.processKey() }
func (c *CreateInstance) Needs() []Collaborator {
	return []Collaborator{NeedEngine, NeedStore}
}

func (c *CreateInstance) Authorize() error {
	if c.processKey() == "" {
		return schema.NewError(schema.ErrCodeMissingDefinitionKey, "process definition key is required")
	}
	if c.Deployment == nil {
		return misconfigured(c.Process, "process has no deployment")
	}
	if identity.IsAnonymous(c.Principal) {
		if !c.Process.AllowAnonymousSubmission {
			return schema.NewErrorf(schema.ErrCodeAnonymousNotAllowed,
				"process %q does not accept anonymous submissions", c.processKey())
		}
		return nil
	}
	if len(c.Process.Roles[schema.RoleInitiator]) > 0 &&
		!c.Principal.HasRole(c.Process, schema.RoleInitiator, schema.RoleAdmin, schema.RoleSuperuser) {
		return insufficientPermission(&c.Binding, []schema.Role{schema.RoleInitiator, schema.RoleAdmin, schema.RoleSuperuser})
	}
	return nil
}

func (c *CreateInstance) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	if !c.Deployment.Deployed {
		return nil, schema.NewErrorf(schema.ErrCodeDeploymentNotDeployed,
			"deployment %q is not deployed", c.Deployment.DeploymentID).
			WithDetails(map[string]any{"deployment_id": c.Deployment.DeploymentID})
	}

	initiatorID := c.keepInitiator
	if initiatorID == "" {
		initiator, err := identity.ResolveInitiator(ctx, env.Directory, c.Principal, c.SubmitterID)
		if err != nil {
			return nil, err
		}
		initiatorID = initiator.UserID()
	}

	sub := c.Submission
	if sub == nil && (len(c.Data) > 0 || len(c.Attachments) > 0) {
		sub = &schema.Submission{ActionType: schema.ActionComplete}
	}
	if sub != nil && sub.SubmitterID == "" {
		cp := *sub
		cp.SubmitterID = initiatorID
		sub = &cp
	}

	inst, err := env.Store.Create(ctx, c.Process, c.Deployment, store.CreateInput{
		Data:        c.Data,
		Attachments: c.Attachments,
		Submission:  sub,
		InitiatorID: initiatorID,
		Label:       c.Label,
	})
	if err != nil {
		return nil, err
	}
	c.Instance = inst
	ctx = logging.WithInstanceID(ctx, inst.ProcessInstanceID)
	// Engine notifications for the new execution wait until the engine id is stored.
	ctx, release := env.locks().Acquire(ctx, inst.ProcessInstanceID)
	defer release()
	log := logging.LogWith(ctx, env.Logger)

	engineID, err := env.Engine.Start(ctx, c.Process, c.Deployment, inst)
	if err != nil {
		log.Warn("engine start failed; instance queued", slog.String("error", err.Error()))
		queued, qerr := env.Store.StoreQueued(ctx, inst, "engine start failed: "+err.Error())
		if qerr != nil {
			return nil, qerr
		}
		c.Instance = queued
		return queued, nil
	}

	stored, err := env.Store.StoreEngineID(ctx, inst, engineID)
	if err != nil {
		log.Error("failed to record engine id after start",
			slog.String("engine_process_instance_id", engineID),
			slog.String("error", err.Error()),
		)
		return inst, nil
	}
	c.Instance = stored
	log.Info("process instance created", slog.String("engine_process_instance_id", engineID))
	return stored, nil
}
