package command

import (
	"context"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/pkg/schema"
)

// Factory resolves what a command is bound to from the stores and runs it
// through the executor. It holds no business rules of its own.
type Factory struct {
	x *Executor
}

// NewFactory creates a Factory over x.
func NewFactory(x *Executor) *Factory {
	return &Factory{x: x}
}

// Executor returns the executor commands run through.
func (f *Factory) Executor() *Executor { return f.x }

// --- Binding resolution ---

// BindProcess binds principal to a process and one of its deployments.
// An empty deploymentID selects the process's current deployment.
func (f *Factory) BindProcess(ctx context.Context, principal *identity.Principal, processKey, deploymentID string) (Binding, error) {
	env := f.x.env
	if env.Processes == nil {
		return Binding{}, missingCollaborator(NeedProcesses)
	}
	if processKey == "" {
		return Binding{}, schema.NewError(schema.ErrCodeMissingDefinitionKey, "process definition key is required")
	}
	process, err := env.Processes.GetProcess(ctx, processKey)
	if err != nil {
		return Binding{}, err
	}
	b := Binding{Principal: principal, Process: process}
	if deploymentID == "" {
		deploymentID = process.DeploymentID
	}
	if deploymentID == "" {
		return b, nil
	}
	deployment, err := env.Processes.GetDeployment(ctx, deploymentID)
	if err != nil {
		return Binding{}, err
	}
	b.Deployment = deployment
	return b, nil
}

// BindInstance binds principal to a stored instance with its process and deployment.
func (f *Factory) BindInstance(ctx context.Context, principal *identity.Principal, instanceID string) (Binding, error) {
	env := f.x.env
	if env.Store == nil {
		return Binding{}, missingCollaborator(NeedStore)
	}
	inst, err := env.Store.Get(ctx, instanceID)
	if err != nil {
		return Binding{}, err
	}
	b, err := f.BindProcess(ctx, principal, inst.ProcessDefinitionKey, inst.DeploymentID)
	if err != nil {
		return Binding{}, err
	}
	b.Instance = inst
	return b, nil
}

// BindTask binds principal to a task of a stored instance. A task the
// instance has not recorded yet is looked up in the engine.
func (f *Factory) BindTask(ctx context.Context, principal *identity.Principal, instanceID, taskID string) (Binding, error) {
	b, err := f.BindInstance(ctx, principal, instanceID)
	if err != nil {
		return Binding{}, err
	}
	if task, ok := b.Instance.Task(taskID); ok {
		b.Task = task
		return b, nil
	}
	if eng := f.x.env.Engine; eng != nil {
		task, err := eng.FindTask(ctx, b.Process, b.Deployment, taskID, false)
		if err != nil {
			return Binding{}, err
		}
		if task != nil && task.ProcessInstanceID == instanceID {
			b.Task = task
			return b, nil
		}
	}
	return Binding{}, schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %q not found on process instance %q", taskID, instanceID).
		WithDetails(map[string]any{"task_id": taskID, "process_instance_id": instanceID})
}

// --- Lifecycle ---

func (f *Factory) Activate(ctx context.Context, p *identity.Principal, instanceID, explanation string) (*Transition, error) {
	b, err := f.BindInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Activation{Binding: b, Explanation: explanation})
}

func (f *Factory) Suspend(ctx context.Context, p *identity.Principal, instanceID, explanation string) (*Transition, error) {
	b, err := f.BindInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Suspension{Binding: b, Explanation: explanation})
}

func (f *Factory) Cancel(ctx context.Context, p *identity.Principal, instanceID, explanation string) (*Transition, error) {
	b, err := f.BindInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Cancellation{Binding: b, Explanation: explanation})
}

// Assign sets the task assignee; an empty assignee unassigns it.
func (f *Factory) Assign(ctx context.Context, p *identity.Principal, instanceID, taskID, assignee string) (*Transition, error) {
	b, err := f.BindTask(ctx, p, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Assignment{Binding: b, Assignee: assignee})
}

func (f *Factory) UpdateStatus(ctx context.Context, p *identity.Principal, instanceID, label, explanation string) (*Transition, error) {
	b, err := f.BindInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &UpdateStatus{Binding: b, Label: label, Explanation: explanation})
}

func (f *Factory) Restart(ctx context.Context, p *identity.Principal, instanceID, explanation string) (*Transition, error) {
	b, err := f.BindInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Restart{Binding: b, Explanation: explanation})
}

func (f *Factory) Requeue(ctx context.Context, p *identity.Principal, instanceID, explanation string) (*Transition, error) {
	b, err := f.BindInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Requeue{Binding: b, Explanation: explanation})
}

func (f *Factory) Complete(ctx context.Context, p *identity.Principal, instanceID, explanation string) (*Transition, error) {
	b, err := f.BindInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Completion{Binding: b, Explanation: explanation})
}

// --- Task and data ---

// CreateRequest carries the caller input of Create.
type CreateRequest struct {
	ProcessKey  string
	Data        map[string][]schema.Value
	Attachments []schema.Attachment
	SubmitterID string
	Label       string
}

// Create starts a new instance on the process's current deployment. Data
// is validated against the deployment's start activity when one exists.
func (f *Factory) Create(ctx context.Context, p *identity.Principal, req CreateRequest) (*schema.ProcessInstance, error) {
	b, err := f.BindProcess(ctx, p, req.ProcessKey, "")
	if err != nil {
		return nil, err
	}
	cmd := &CreateInstance{
		Binding:     b,
		Data:        req.Data,
		Attachments: req.Attachments,
		SubmitterID: req.SubmitterID,
		Label:       req.Label,
	}
	if v := f.x.env.Validator; v != nil && b.Deployment != nil && len(b.Deployment.Activities) > 0 {
		sub := &schema.Submission{
			ProcessDefinitionKey: req.ProcessKey,
			ActionType:           schema.ActionComplete,
			SubmitterID:          p.UserID(),
			Data:                 req.Data,
		}
		validation, err := v.ValidateSubmission(ctx, b.Deployment, b.Deployment.Activities[0].Key, sub, req.Attachments)
		if err != nil {
			return nil, err
		}
		cmd.Data = validation.Data
		cmd.Attachments = validation.Attachments
		cmd.Submission = validation.Submission
	}
	return Run(ctx, f.x, cmd)
}

// CompleteTask validates sub against the task's activity and submits it
// with action.
func (f *Factory) CompleteTask(ctx context.Context, p *identity.Principal, instanceID, taskID string, action schema.ActionType, sub *schema.Submission, attachments []schema.Attachment) (*schema.ProcessInstance, error) {
	b, err := f.BindTask(ctx, p, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	validation, err := f.validate(ctx, b, action, sub, attachments)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &CompleteTask{Binding: b, Action: action, Validation: validation})
}

func (f *Factory) CreateSubTask(ctx context.Context, p *identity.Principal, instanceID, parentTaskID string, sub *schema.Submission) (*schema.ProcessInstance, error) {
	b, err := f.BindTask(ctx, p, instanceID, parentTaskID)
	if err != nil {
		return nil, err
	}
	var validation *schema.Validation
	if sub != nil {
		validation = &schema.Validation{Submission: sub, Data: sub.Data}
	}
	return Run(ctx, f.x, &CreateSubTask{Binding: b, Validation: validation})
}

func (f *Factory) Attach(ctx context.Context, p *identity.Principal, instanceID, taskID string, attachments []schema.Attachment) (*schema.ProcessInstance, error) {
	b, err := f.bindData(ctx, p, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Attach{Binding: b, Attachments: attachments})
}

func (f *Factory) Detach(ctx context.Context, p *identity.Principal, instanceID, taskID, attachmentID string) (*schema.ProcessInstance, error) {
	b, err := f.bindData(ctx, p, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Detach{Binding: b, AttachmentID: attachmentID})
}

func (f *Factory) RemoveValue(ctx context.Context, p *identity.Principal, instanceID, taskID, field, valueID string) (*schema.ProcessInstance, error) {
	b, err := f.bindData(ctx, p, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &RemoveValue{Binding: b, Field: field, ValueID: valueID})
}

func (f *Factory) UpdateValue(ctx context.Context, p *identity.Principal, instanceID, taskID, field, valueID string, value schema.Value) (*schema.ProcessInstance, error) {
	b, err := f.bindData(ctx, p, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &UpdateValue{Binding: b, Field: field, ValueID: valueID, Value: value})
}

func (f *Factory) UpdateData(ctx context.Context, p *identity.Principal, instanceID, taskID string, data map[string][]schema.Value) (*schema.ProcessInstance, error) {
	b, err := f.bindData(ctx, p, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &UpdateData{Binding: b, Data: data})
}

// --- Deployment ---

func (f *Factory) Deploy(ctx context.Context, p *identity.Principal, processKey, deploymentID string) (*schema.Deployment, error) {
	b, err := f.bindDeployment(ctx, p, processKey, deploymentID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Deploy{Binding: b})
}

func (f *Factory) Publish(ctx context.Context, p *identity.Principal, processKey, deploymentID string) (*schema.Deployment, error) {
	b, err := f.bindDeployment(ctx, p, processKey, deploymentID)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.x, &Publish{Binding: b})
}

func (f *Factory) bindDeployment(ctx context.Context, p *identity.Principal, processKey, deploymentID string) (Binding, error) {
	if deploymentID == "" {
		return Binding{}, schema.NewError(schema.ErrCodeInvalidInput, "deployment id is required")
	}
	return f.BindProcess(ctx, p, processKey, deploymentID)
}

// bindData binds a data change to a task when one is named.
func (f *Factory) bindData(ctx context.Context, p *identity.Principal, instanceID, taskID string) (Binding, error) {
	if taskID == "" {
		return f.BindInstance(ctx, p, instanceID)
	}
	return f.BindTask(ctx, p, instanceID, taskID)
}

func (f *Factory) validate(ctx context.Context, b Binding, action schema.ActionType, sub *schema.Submission, attachments []schema.Attachment) (*schema.Validation, error) {
	if sub == nil {
		sub = &schema.Submission{}
	}
	cp := *sub
	cp.ActionType = action
	cp.TaskID = b.Task.TaskInstanceID
	if cp.SubmitterID == "" {
		cp.SubmitterID = b.Principal.UserID()
	}
	if v := f.x.env.Validator; v != nil && b.Deployment != nil {
		return v.ValidateSubmission(ctx, b.Deployment, b.Task.TaskDefinitionKey, &cp, attachments)
	}
	return &schema.Validation{
		Submission:  &cp,
		ActivityKey: b.Task.TaskDefinitionKey,
		Data:        cp.Data,
		Attachments: attachments,
	}, nil
}

func missingCollaborator(c Collaborator) error {
	return schema.NewErrorf(schema.ErrCodeCollaboratorMissing, "collaborator %q is not configured", c).
		WithDetails(map[string]any{"collaborator": string(c)})
}
