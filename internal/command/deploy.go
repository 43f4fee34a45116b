package command

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// Deploy pushes a deployment's engine definition and, once the engine has
// accepted it, saves the deployment, its activities and the process pointer.
// Nothing is written when the engine step fails.
type Deploy struct {
	Binding
}

func (c *Deploy) Name() string        { return "deploy" }
func (c *Deploy) Kind() Kind          { return KindDeployment }
func (c *Deploy) Description() string { return "Deploy " + c.deploymentID() + " of " + c.processKey() }
func (c *Deploy) Needs() []Collaborator {
	return []Collaborator{NeedEngine, NeedProcesses, NeedValidator, NeedResources}
}

func (c *Deploy) Authorize() error { return authorizeDeployment(&c.Binding) }

func (c *Deploy) Execute(ctx context.Context, env *Env) (*schema.Deployment, error) {
	version, err := knownVersion(&c.Binding)
	if err != nil {
		return nil, err
	}
	if err := env.Validator.ValidateDeployment(c.Deployment); err != nil {
		return nil, err
	}
	content, err := env.Resources.Load(ctx, c.Deployment.ResourceName)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMisconfigured, "deployment resource %q: %s",
			c.Deployment.ResourceName, err.Error()).
			WithDetails(map[string]any{"deployment_id": c.Deployment.DeploymentID, "resource": c.Deployment.ResourceName}).
			WithCause(err)
	}

	deployed, err := env.Engine.Deploy(ctx, c.Process, c.Deployment, content)
	if err != nil {
		return nil, err
	}
	if deployed == nil {
		return nil, schema.NewErrorf(schema.ErrCodeEngine, "engine returned no deployment for %q", c.Deployment.DeploymentID).
			WithDetails(map[string]any{"deployment_id": c.Deployment.DeploymentID})
	}
	deployed.ProcessDefinitionKey = c.Process.ProcessDefinitionKey
	activities := deployed.Activities
	if len(activities) == 0 {
		activities = c.Deployment.Activities
	}

	if err := env.Processes.SaveDeployment(ctx, deployed); err != nil {
		return nil, err
	}
	if err := env.Processes.SaveActivities(ctx, deployed.DeploymentID, activities); err != nil {
		return nil, err
	}
	if err := savePointer(ctx, env, c.Process, version); err != nil {
		return nil, err
	}
	deployed.Activities = activities
	c.Deployment = deployed
	return deployed, nil
}

// Publish marks an engine-deployed deployment as published and points the
// process at it.
type Publish struct {
	Binding
}

func (c *Publish) Name() string          { return "publish" }
func (c *Publish) Kind() Kind            { return KindDeployment }
func (c *Publish) Description() string   { return "Publish " + c.deploymentID() + " of " + c.processKey() }
func (c *Publish) Needs() []Collaborator { return []Collaborator{NeedProcesses} }
func (c *Publish) Authorize() error      { return authorizeDeployment(&c.Binding) }

func (c *Publish) Execute(ctx context.Context, env *Env) (*schema.Deployment, error) {
	version, err := knownVersion(&c.Binding)
	if err != nil {
		return nil, err
	}
	if !c.Deployment.Deployed {
		return nil, schema.NewErrorf(schema.ErrCodeDeploymentNotDeployed,
			"deployment %q must be deployed before it is published", c.Deployment.DeploymentID).
			WithDetails(map[string]any{"deployment_id": c.Deployment.DeploymentID})
	}
	published := *c.Deployment
	published.Activities = nil
	published.Published = true
	now := env.now()
	published.PublishTime = &now
	if err := env.Processes.SaveDeployment(ctx, &published); err != nil {
		return nil, err
	}
	if err := savePointer(ctx, env, c.Process, version); err != nil {
		return nil, err
	}
	published.Activities = c.Deployment.Activities
	c.Deployment = &published
	return &published, nil
}

func authorizeDeployment(b *Binding) error {
	if err := requireRole(b, adminRoles...); err != nil {
		return err
	}
	if b.Process == nil || b.Process.ProcessDefinitionKey == "" {
		return schema.NewError(schema.ErrCodeMissingDefinitionKey, "process definition key is required")
	}
	if b.Deployment == nil {
		return schema.NewError(schema.ErrCodeDeploymentNotFound, "command requires a deployment")
	}
	return nil
}

func knownVersion(b *Binding) (schema.DeploymentVersion, error) {
	version, ok := b.Process.HasVersion(b.Deployment.DeploymentID)
	if !ok {
		return version, schema.NewErrorf(schema.ErrCodeDeploymentNotFound,
			"deployment %q is not a version of process %q", b.Deployment.DeploymentID, b.Process.ProcessDefinitionKey).
			WithDetails(map[string]any{
				"deployment_id":          b.Deployment.DeploymentID,
				"process_definition_key": b.Process.ProcessDefinitionKey,
			})
	}
	return version, nil
}

func savePointer(ctx context.Context, env *Env, process *schema.Process, version schema.DeploymentVersion) error {
	next := *process
	next.DeploymentID = version.DeploymentID
	next.DeploymentVersion = version.Version
	next.DeploymentLabel = version.Label
	return env.Processes.SaveProcess(ctx, &next)
}

func (b *Binding) deploymentID() string {
	if b.Deployment == nil {
		return ""
	}
	return b.Deployment.DeploymentID
}

func (b *Binding) processKey() string {
	if b.Process == nil {
		return ""
	}
	return b.Process.ProcessDefinitionKey
}

