package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/casework/internal/engine"
	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/lock"
	"github.com/rendis/casework/internal/store"
	"github.com/rendis/casework/internal/validation"
	"github.com/rendis/casework/pkg/schema"
)

// Kind distinguishes the command variants.
type Kind string

const (
	KindLifecycle  Kind = "lifecycle"
	KindData       Kind = "data"
	KindDeployment Kind = "deployment"
)

// Collaborator names a dependency a command needs from the Env.
type Collaborator string

const (
	NeedEngine    Collaborator = "engine"
	NeedStore     Collaborator = "store"
	NeedProcesses Collaborator = "processes"
	NeedValidator Collaborator = "validator"
	NeedDirectory Collaborator = "directory"
	NeedResources Collaborator = "resources"
)

// Command is a single authorized, auditable business operation.
// Commands are built by the Factory and run through Run.
type Command[T any] interface {
	Name() string
	Kind() Kind
	Description() string
	// Needs lists the collaborators Execute uses.
	Needs() []Collaborator
	// Authorize checks the principal against the bound snapshots. It must
	// not call any collaborator.
	Authorize() error
	Execute(ctx context.Context, env *Env) (T, error)

	binding() *Binding
}

// Binding holds what a command is bound to at construction time.
type Binding struct {
	Principal  *identity.Principal
	Process    *schema.Process
	Deployment *schema.Deployment
	Instance   *schema.ProcessInstance
	Task       *schema.Task
}

func (b *Binding) binding() *Binding { return b }

// Provider describes the owner of the command for the audit trail.
func (b *Binding) Provider() schema.ProviderContext {
	pc := schema.ProviderContext{PrincipalID: b.Principal.UserID()}
	if b.Process != nil {
		pc.ProcessDefinitionKey = b.Process.ProcessDefinitionKey
	}
	if b.Deployment != nil {
		pc.DeploymentID = b.Deployment.DeploymentID
	}
	if b.Instance != nil {
		pc.ProcessInstanceID = b.Instance.ProcessInstanceID
		if pc.ProcessDefinitionKey == "" {
			pc.ProcessDefinitionKey = b.Instance.ProcessDefinitionKey
		}
	}
	if b.Task != nil {
		pc.TaskID = b.Task.TaskInstanceID
	}
	return pc
}

func (b *Binding) instanceID() string {
	if b.Instance == nil {
		return ""
	}
	return b.Instance.ProcessInstanceID
}

func (b *Binding) taskID() string {
	if b.Task == nil {
		return ""
	}
	return b.Task.TaskInstanceID
}

// ResourceLoader reads deployment content by resource name.
type ResourceLoader interface {
	Load(ctx context.Context, name string) ([]byte, error)
}

// Env is the explicit collaborator context handed to every command.
// It is built once at startup and shared by reference.
type Env struct {
	Engine    engine.Engine
	Store     store.StorageManager
	Processes store.ProcessRepository
	Validator validation.Validator
	Directory identity.Directory
	Resources ResourceLoader
	Logger    *slog.Logger
	Now       func() time.Time

	exec *Executor
}

func (e *Env) has(c Collaborator) bool {
	switch c {
	case NeedEngine:
		return e.Engine != nil
	case NeedStore:
		return e.Store != nil
	case NeedProcesses:
		return e.Processes != nil
	case NeedValidator:
		return e.Validator != nil
	case NeedDirectory:
		return e.Directory != nil
	case NeedResources:
		return e.Resources != nil
	}
	return false
}

func (e *Env) locks() *lock.MutexMap {
	if e.exec == nil {
		return lock.NewMutexMap()
	}
	return e.exec.locks
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// Transition is the outcome of a lifecycle command.
type Transition struct {
	Result schema.OperationResult `json:"result"`
	// Instance is the snapshot read back from storage.
	Instance *schema.ProcessInstance `json:"instance"`
	// Related is the instance created by a restart.
	Related *schema.ProcessInstance `json:"related,omitempty"`
}
