package schema

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how callers should react to them.
type Kind string

const (
	KindForbidden     Kind = "forbidden"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindBadRequest    Kind = "bad_request"
	KindMisconfigured Kind = "misconfigured"
	KindInternal      Kind = "internal"
)

// Machine-readable error codes.
const (
	ErrCodeInsufficientPermission = "insufficient_permission"
	ErrCodeInvalidAssignment      = "invalid_assignment"
	ErrCodeAnonymousNotAllowed    = "anonymous_not_allowed"

	ErrCodeInvalidProcessStatus  = "invalid_process_status"
	ErrCodeActiveTaskRequired    = "active_task_required"
	ErrCodeStaleInstance         = "stale_instance"
	ErrCodeDeploymentNotDeployed = "deployment_not_deployed"
	ErrCodeCircuitOpen           = "circuit_open"

	ErrCodeInstanceNotFound   = "instance_not_found"
	ErrCodeTaskNotFound       = "task_not_found"
	ErrCodeProcessNotFound    = "process_not_found"
	ErrCodeDeploymentNotFound = "deployment_not_found"
	ErrCodeAttachmentNotFound = "attachment_not_found"
	ErrCodeValueNotFound      = "value_not_found"
	ErrCodePrincipalNotFound  = "principal_not_found"

	ErrCodeMissingDefinitionKey = "missing_process_definition_key"
	ErrCodeInvalidInput         = "invalid_input"
	ErrCodeValidation           = "validation_failed"
	ErrCodeInterceptorRejected  = "interceptor_rejected"

	ErrCodeMisconfigured       = "process_is_misconfigured"
	ErrCodeCollaboratorMissing = "collaborator_missing"
	ErrCodeInvalidExpression   = "invalid_expression"

	ErrCodeSubTaskCreateInvalid = "subtask_create_invalid"
	ErrCodeEngine               = "engine_failure"
	ErrCodeStore                = "store_failure"
	ErrCodeInternal             = "internal_error"
)

var codeKinds = map[string]Kind{
	ErrCodeInsufficientPermission: KindForbidden,
	ErrCodeInvalidAssignment:      KindForbidden,
	ErrCodeAnonymousNotAllowed:    KindForbidden,

	ErrCodeInvalidProcessStatus:  KindConflict,
	ErrCodeActiveTaskRequired:    KindConflict,
	ErrCodeStaleInstance:         KindConflict,
	ErrCodeDeploymentNotDeployed: KindConflict,
	ErrCodeCircuitOpen:           KindConflict,

	ErrCodeInstanceNotFound:   KindNotFound,
	ErrCodeTaskNotFound:       KindNotFound,
	ErrCodeProcessNotFound:    KindNotFound,
	ErrCodeDeploymentNotFound: KindNotFound,
	ErrCodeAttachmentNotFound: KindNotFound,
	ErrCodeValueNotFound:      KindNotFound,
	ErrCodePrincipalNotFound:  KindNotFound,

	ErrCodeMissingDefinitionKey: KindBadRequest,
	ErrCodeInvalidInput:         KindBadRequest,
	ErrCodeValidation:           KindBadRequest,
	ErrCodeInterceptorRejected:  KindBadRequest,

	ErrCodeMisconfigured:       KindMisconfigured,
	ErrCodeCollaboratorMissing: KindMisconfigured,
	ErrCodeInvalidExpression:   KindMisconfigured,

	ErrCodeSubTaskCreateInvalid: KindInternal,
	ErrCodeEngine:               KindInternal,
	ErrCodeStore:                KindInternal,
	ErrCodeInternal:             KindInternal,
}

// CaseError is the structured error type for every casework operation.
type CaseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CaseError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CaseError) Unwrap() error {
	return e.Cause
}

// Kind returns the error kind for the code. Unknown codes are internal.
func (e *CaseError) Kind() Kind {
	if k, ok := codeKinds[e.Code]; ok {
		return k
	}
	return KindInternal
}

// NewError creates a new CaseError.
func NewError(code, message string) *CaseError {
	return &CaseError{Code: code, Message: message}
}

// NewErrorf creates a new CaseError with a formatted message.
func NewErrorf(code, format string, args ...any) *CaseError {
	return &CaseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *CaseError) WithCause(err error) *CaseError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CaseError) WithDetails(details map[string]any) *CaseError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first CaseError in err's chain, or "" if none.
func CodeOf(err error) string {
	var ce *CaseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// KindOf returns the kind of the first CaseError in err's chain.
// Errors without a CaseError in their chain are internal.
func KindOf(err error) Kind {
	var ce *CaseError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
