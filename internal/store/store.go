package store

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// Repository is the persistence backend behind the Storage Manager.
// All implementations must be safe for concurrent use.
type Repository interface {
	// Instances. UpdateInstance succeeds only when the stored version equals
	// expectedVersion; it then stores next with version expectedVersion+1.
	// A non-nil submission is written in the same unit of work.
	InsertInstance(ctx context.Context, inst *schema.ProcessInstance, sub *schema.Submission) error
	GetInstance(ctx context.Context, processInstanceID string) (*schema.ProcessInstance, error)
	UpdateInstance(ctx context.Context, next *schema.ProcessInstance, expectedVersion int64, sub *schema.Submission) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.ProcessInstance, error)
	ListSubmissions(ctx context.Context, processInstanceID string) ([]*schema.Submission, error)

	ProcessRepository

	// Command audit (append-only, per-key sequence).
	AppendCommandEvent(ctx context.Context, event *schema.CommandEvent) error
	ListCommandEvents(ctx context.Context, filter AuditFilter) ([]*schema.CommandEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ProcessRepository persists process configuration and deployments.
type ProcessRepository interface {
	GetProcess(ctx context.Context, processDefinitionKey string) (*schema.Process, error)
	ListProcesses(ctx context.Context) ([]*schema.Process, error)
	SaveProcess(ctx context.Context, process *schema.Process) error

	// GetDeployment returns the deployment with its activities.
	GetDeployment(ctx context.Context, deploymentID string) (*schema.Deployment, error)
	ListDeployments(ctx context.Context, processDefinitionKey string) ([]*schema.Deployment, error)
	// SaveDeployment stores the deployment record; activities are saved separately.
	SaveDeployment(ctx context.Context, deployment *schema.Deployment) error
	// SaveActivities replaces the activities of a deployment.
	SaveActivities(ctx context.Context, deploymentID string, activities []schema.Activity) error
}

// StorageManager persists instance mutations. Every method returns the
// snapshot read back from storage after the write.
type StorageManager interface {
	Create(ctx context.Context, process *schema.Process, deployment *schema.Deployment, in CreateInput) (*schema.ProcessInstance, error)
	Get(ctx context.Context, processInstanceID string) (*schema.ProcessInstance, error)
	List(ctx context.Context, filter InstanceFilter) ([]*schema.ProcessInstance, error)

	StoreOperation(ctx context.Context, inst *schema.ProcessInstance, result schema.OperationResult, op schema.Operation) (*schema.ProcessInstance, error)
	StoreTask(ctx context.Context, inst *schema.ProcessInstance, task schema.Task) (*schema.ProcessInstance, error)
	StoreEngineID(ctx context.Context, inst *schema.ProcessInstance, engineID string) (*schema.ProcessInstance, error)
	StoreRequeue(ctx context.Context, inst *schema.ProcessInstance, op schema.Operation) (*schema.ProcessInstance, error)
	StoreQueued(ctx context.Context, inst *schema.ProcessInstance, reason string) (*schema.ProcessInstance, error)
	StoreSubmission(ctx context.Context, inst *schema.ProcessInstance, validation *schema.Validation) (*schema.ProcessInstance, error)
	StoreValueRemoval(ctx context.Context, inst *schema.ProcessInstance, field, valueID string, sub *schema.Submission) (*schema.ProcessInstance, error)
	StoreAttachmentRemoval(ctx context.Context, inst *schema.ProcessInstance, attachmentID string, sub *schema.Submission) (*schema.ProcessInstance, error)
	Archive(ctx context.Context, inst *schema.ProcessInstance, result schema.OperationResult, op schema.Operation, data map[string][]schema.Value) (*schema.ProcessInstance, error)
}

// AuditSink records one CommandEvent per executed command.
type AuditSink interface {
	SaveCommandEvent(ctx context.Context, event *schema.CommandEvent) error
}

// CreateInput carries the caller-supplied parts of a new instance.
type CreateInput struct {
	Data        map[string][]schema.Value
	Attachments []schema.Attachment
	Submission  *schema.Submission
	InitiatorID string
	Label       string
}

// InstanceFilter selects instances in ListInstances.
type InstanceFilter struct {
	ProcessDefinitionKey string
	Status               *schema.ProcessStatus
	// MissingEngineID selects OPEN instances that never recorded an engine id.
	MissingEngineID bool
	IncludeArchived bool
	Limit           int
}

// AuditFilter selects command events.
type AuditFilter struct {
	// Key is a ProviderContext key: an instance id or a process definition key.
	Key   string
	Since int64
	Limit int
}
