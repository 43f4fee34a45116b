package identity

import (
	"context"
	"slices"

	"github.com/rendis/casework/pkg/schema"
)

// Principal type constants.
const (
	PrincipalTypeHuman  = "human"
	PrincipalTypeSystem = "system"
)

var validPrincipalTypes = map[string]bool{
	PrincipalTypeHuman:  true,
	PrincipalTypeSystem: true,
}

// Principal is the identity on whose behalf a command runs.
// A nil *Principal is the anonymous caller.
type Principal struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name,omitempty" yaml:"name"`
	Type   string   `json:"type,omitempty" yaml:"type"`
	Groups []string `json:"groups,omitempty" yaml:"groups"`
}

// IsAnonymous reports whether p carries no identity.
func IsAnonymous(p *Principal) bool {
	return p == nil || p.ID == ""
}

// IsSystem reports whether p is a trusted system identity.
func (p *Principal) IsSystem() bool {
	return p != nil && p.Type == PrincipalTypeSystem
}

// UserID returns the principal id, or "" for anonymous callers.
func (p *Principal) UserID() string {
	if p == nil {
		return ""
	}
	return p.ID
}

// HasRole reports whether the principal holds any of roles on the process,
// either directly or through one of its groups. System principals hold every role.
func (p *Principal) HasRole(process *schema.Process, roles ...schema.Role) bool {
	if IsAnonymous(p) || process == nil {
		return false
	}
	if p.IsSystem() {
		return true
	}
	for _, role := range roles {
		for _, member := range process.Roles[role] {
			if member == p.ID || slices.Contains(p.Groups, member) {
				return true
			}
		}
	}
	return false
}

// IsCandidateOrAssignee reports whether the principal may act on the task.
func (p *Principal) IsCandidateOrAssignee(task *schema.Task) bool {
	if IsAnonymous(p) {
		return false
	}
	return task.IsCandidateOrAssignee(p.ID, p.Groups)
}

// ValidatePrincipal checks required fields on a Principal.
func ValidatePrincipal(p *Principal) error {
	if p == nil || p.ID == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "principal id is required")
	}
	if p.Type != "" && !validPrincipalTypes[p.Type] {
		return schema.NewErrorf(schema.ErrCodeInvalidInput,
			"invalid principal type %q: must be one of human, system", p.Type)
	}
	return nil
}

// Directory resolves user ids to principals.
type Directory interface {
	Lookup(ctx context.Context, id string) (*Principal, error)
}

// ResolveInitiator returns the identity an instance should be attributed to.
// A system principal submitting on behalf of a named submitter is replaced by
// that submitter; when the submitter is unknown to the directory a bare
// principal carrying only the id is returned.
func ResolveInitiator(ctx context.Context, dir Directory, caller *Principal, submitterID string) (*Principal, error) {
	if caller.IsSystem() && submitterID != "" && submitterID != caller.ID {
		if dir == nil {
			return &Principal{ID: submitterID, Type: PrincipalTypeHuman}, nil
		}
		p, err := dir.Lookup(ctx, submitterID)
		if err != nil {
			if schema.KindOf(err) == schema.KindNotFound {
				return &Principal{ID: submitterID, Type: PrincipalTypeHuman}, nil
			}
			return nil, err
		}
		return p, nil
	}
	return caller, nil
}
