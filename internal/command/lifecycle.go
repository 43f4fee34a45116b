package command

import (
	"context"
	"slices"
	"strings"

	"github.com/rendis/casework/pkg/schema"
)

// ValidTransitions maps each process status to the statuses it may move to.
var ValidTransitions = map[schema.ProcessStatus][]schema.ProcessStatus{
	schema.ProcessStatusQueued:    {schema.ProcessStatusOpen, schema.ProcessStatusCancelled},
	schema.ProcessStatusOpen:      {schema.ProcessStatusSuspended, schema.ProcessStatusCancelled, schema.ProcessStatusComplete},
	schema.ProcessStatusSuspended: {schema.ProcessStatusOpen, schema.ProcessStatusCancelled},
	schema.ProcessStatusCancelled: {},
	schema.ProcessStatusComplete:  {},
}

// operationSources lists the statuses each lifecycle operation may start from.
// Operations missing from the table (update) are legal from any status.
var operationSources = map[schema.OperationType][]schema.ProcessStatus{
	schema.OperationActivation:   {schema.ProcessStatusSuspended},
	schema.OperationSuspension:   {schema.ProcessStatusOpen},
	schema.OperationCancellation: {schema.ProcessStatusOpen, schema.ProcessStatusSuspended},
	schema.OperationAssignment:   {schema.ProcessStatusOpen, schema.ProcessStatusSuspended},
	schema.OperationRestart:      {schema.ProcessStatusOpen, schema.ProcessStatusSuspended, schema.ProcessStatusQueued},
	schema.OperationRequeue:      {schema.ProcessStatusQueued},
	schema.OperationCompletion:   {schema.ProcessStatusOpen},
}

// IsValidTransition reports whether from may move to to. Staying put is
// always allowed.
func IsValidTransition(from, to schema.ProcessStatus) bool {
	if from == to {
		return true
	}
	return slices.Contains(ValidTransitions[from], to)
}

// checkOperation fails with Conflict when op may not run on the instance's current status.
func checkOperation(op schema.OperationType, inst *schema.ProcessInstance) error {
	allowed, ok := operationSources[op]
	if !ok || slices.Contains(allowed, inst.ProcessStatus) {
		return nil
	}
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidProcessStatus,
		"cannot run %s on process instance %q in status %s (requires %s)",
		op, inst.ProcessInstanceID, inst.ProcessStatus, strings.Join(names, " or ")).
		WithDetails(map[string]any{
			"process_instance_id": inst.ProcessInstanceID,
			"operation":           string(op),
			"status":              string(inst.ProcessStatus),
			"allowed":             names,
		})
}

// checkResult guards the status delta a command is about to persist.
func checkResult(inst *schema.ProcessInstance, result schema.OperationResult) error {
	if IsValidTransition(inst.ProcessStatus, result.NewStatus) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidProcessStatus,
		"invalid process status transition: %s -> %s", inst.ProcessStatus, result.NewStatus).
		WithDetails(map[string]any{
			"process_instance_id": inst.ProcessInstanceID,
			"from":                string(inst.ProcessStatus),
			"to":                  string(result.NewStatus),
		})
}

// requireMutable rejects data changes on closed instances.
func requireMutable(inst *schema.ProcessInstance) error {
	if !inst.ProcessStatus.IsTerminal() && !inst.Archived {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidProcessStatus,
		"process instance %q is %s and can no longer change", inst.ProcessInstanceID, inst.ProcessStatus).
		WithDetails(map[string]any{"process_instance_id": inst.ProcessInstanceID, "status": string(inst.ProcessStatus)})
}

// storeTransition validates and persists a lifecycle delta with its operation record.
func storeTransition(ctx context.Context, env *Env, b *Binding, op schema.OperationType, reason string, result schema.OperationResult) (*Transition, error) {
	if err := checkResult(b.Instance, result); err != nil {
		return nil, err
	}
	stored, err := env.Store.StoreOperation(ctx, b.Instance, result, operation(b, op, reason))
	if err != nil {
		return nil, err
	}
	b.Instance = stored
	return &Transition{Result: result, Instance: stored}, nil
}

func operation(b *Binding, op schema.OperationType, reason string) schema.Operation {
	return schema.Operation{Type: op, Reason: reason, ActingUserID: b.Principal.UserID()}
}

// unchanged keeps the instance's lifecycle status as it is.
func unchanged(inst *schema.ProcessInstance) schema.OperationResult {
	return schema.OperationResult{
		Label:       inst.ApplicationStatus,
		NewStatus:   inst.ProcessStatus,
		Explanation: inst.ApplicationStatusExplanation,
	}
}
