package schema

// ProcessStatus represents the lifecycle state of a process instance.
type ProcessStatus string

const (
	ProcessStatusQueued    ProcessStatus = "queued"
	ProcessStatusOpen      ProcessStatus = "open"
	ProcessStatusSuspended ProcessStatus = "suspended"
	ProcessStatusCancelled ProcessStatus = "cancelled"
	ProcessStatusComplete  ProcessStatus = "complete"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessStatusCancelled || s == ProcessStatusComplete
}

// OperationType identifies the kind of change recorded in an Operation.
type OperationType string

const (
	OperationActivation   OperationType = "activation"
	OperationSuspension   OperationType = "suspension"
	OperationCancellation OperationType = "cancellation"
	OperationAssignment   OperationType = "assignment"
	OperationUpdate       OperationType = "update"
	OperationRestart      OperationType = "restart"
	OperationRequeue      OperationType = "requeue"
	OperationCompletion   OperationType = "completion"
)

// ActionType is the user intent carried by a task submission.
type ActionType string

const (
	ActionComplete ActionType = "complete"
	ActionReject   ActionType = "reject"
	ActionAttach   ActionType = "attach"
	ActionSave     ActionType = "save"
	ActionValidate ActionType = "validate"
)

// Role is a process-scoped authorization role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleSuperuser Role = "superuser"
	RoleOverseer  Role = "overseer"
	RoleUser      Role = "user"
	RoleInitiator Role = "initiator"
)

// Default application status labels applied when a process does not configure its own.
const (
	DefaultSuspendedStatus = "Suspended"
	DefaultCancelledStatus = "Cancelled"
	DefaultCompletedStatus = "Complete"
)
