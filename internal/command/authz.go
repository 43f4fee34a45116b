package command

import (
	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/pkg/schema"
)

var (
	adminRoles    = []schema.Role{schema.RoleAdmin, schema.RoleSuperuser}
	overseerRoles = []schema.Role{schema.RoleOverseer, schema.RoleSuperuser}
)

func requireAuthenticated(b *Binding) error {
	if identity.IsAnonymous(b.Principal) {
		return schema.NewError(schema.ErrCodeAnonymousNotAllowed, "anonymous principals may not run this command")
	}
	return nil
}

func requireRole(b *Binding, roles ...schema.Role) error {
	if err := requireAuthenticated(b); err != nil {
		return err
	}
	if !b.Principal.HasRole(b.Process, roles...) {
		return insufficientPermission(b, roles)
	}
	return nil
}

// requireInitiatorOrRole admits the instance initiator or any holder of roles.
func requireInitiatorOrRole(b *Binding, roles ...schema.Role) error {
	if err := requireAuthenticated(b); err != nil {
		return err
	}
	if b.Instance != nil && b.Instance.InitiatorID != "" && b.Instance.InitiatorID == b.Principal.ID {
		return nil
	}
	if !b.Principal.HasRole(b.Process, roles...) {
		return insufficientPermission(b, roles)
	}
	return nil
}

// requireTaskActor admits overseers and superusers, or a candidate or
// assignee of the bound task who also holds the USER role.
func requireTaskActor(b *Binding) error {
	if err := requireAuthenticated(b); err != nil {
		return err
	}
	if b.Principal.HasRole(b.Process, overseerRoles...) {
		return nil
	}
	if b.Task != nil && b.Principal.IsCandidateOrAssignee(b.Task) && b.Principal.HasRole(b.Process, schema.RoleUser) {
		return nil
	}
	return insufficientPermission(b, append(overseerRoles, schema.RoleUser))
}

func requireTask(b *Binding) error {
	if b.Task == nil {
		return schema.NewError(schema.ErrCodeTaskNotFound, "command requires a task")
	}
	return nil
}

func requireInstance(b *Binding) error {
	if b.Instance == nil {
		return schema.NewError(schema.ErrCodeInstanceNotFound, "command requires a process instance")
	}
	return nil
}

func insufficientPermission(b *Binding, roles []schema.Role) *schema.CaseError {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	key := ""
	if b.Process != nil {
		key = b.Process.ProcessDefinitionKey
	}
	return schema.NewErrorf(schema.ErrCodeInsufficientPermission,
		"principal %q lacks the required role on process %q", b.Principal.UserID(), key).
		WithDetails(map[string]any{"roles": names, "principal_id": b.Principal.UserID()})
}
