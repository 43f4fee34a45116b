package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/pkg/schema"
)

func testProcess() *schema.Process {
	return &schema.Process{
		ProcessDefinitionKey: "permits",
		Roles: map[schema.Role][]string{
			schema.RoleAdmin:    {"alice"},
			schema.RoleOverseer: {"reviewers"},
			schema.RoleUser:     {"staff"},
		},
	}
}

// --- HasRole ---

func TestHasRole_DirectMember(t *testing.T) {
	p := &Principal{ID: "alice"}
	assert.True(t, p.HasRole(testProcess(), schema.RoleAdmin))
	assert.False(t, p.HasRole(testProcess(), schema.RoleOverseer))
}

func TestHasRole_ThroughGroup(t *testing.T) {
	p := &Principal{ID: "bob", Groups: []string{"reviewers"}}
	assert.True(t, p.HasRole(testProcess(), schema.RoleAdmin, schema.RoleOverseer))
	assert.False(t, p.HasRole(testProcess(), schema.RoleAdmin, schema.RoleSuperuser))
}

func TestHasRole_AnonymousAndNilProcess(t *testing.T) {
	var anon *Principal
	assert.False(t, anon.HasRole(testProcess(), schema.RoleUser))
	assert.False(t, (&Principal{}).HasRole(testProcess(), schema.RoleUser))
	assert.False(t, (&Principal{ID: "alice"}).HasRole(nil, schema.RoleAdmin))
}

func TestHasRole_SystemHoldsEveryRole(t *testing.T) {
	p := &Principal{ID: "casework", Type: PrincipalTypeSystem}
	assert.True(t, p.HasRole(testProcess(), schema.RoleSuperuser))
}

// --- Candidate / assignee ---

func TestIsCandidateOrAssignee(t *testing.T) {
	task := &schema.Task{TaskInstanceID: "t1", Assignee: "carol", CandidateAssigneeIDs: []string{"dave", "staff"}}

	assert.True(t, (&Principal{ID: "carol"}).IsCandidateOrAssignee(task))
	assert.True(t, (&Principal{ID: "dave"}).IsCandidateOrAssignee(task))
	assert.True(t, (&Principal{ID: "erin", Groups: []string{"staff"}}).IsCandidateOrAssignee(task))
	assert.False(t, (&Principal{ID: "frank"}).IsCandidateOrAssignee(task))

	var anon *Principal
	assert.False(t, anon.IsCandidateOrAssignee(task))
}

// --- ValidatePrincipal ---

func TestValidatePrincipal(t *testing.T) {
	require.NoError(t, ValidatePrincipal(&Principal{ID: "alice"}))
	require.NoError(t, ValidatePrincipal(&Principal{ID: "svc", Type: PrincipalTypeSystem}))

	err := ValidatePrincipal(&Principal{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidInput, schema.CodeOf(err))

	err = ValidatePrincipal(&Principal{ID: "x", Type: "robot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "robot")
}

// --- ResolveInitiator ---

func TestResolveInitiator_HumanCallerIsInitiator(t *testing.T) {
	caller := &Principal{ID: "alice"}
	got, err := ResolveInitiator(context.Background(), nil, caller, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ID)
}

func TestResolveInitiator_SystemOnBehalfOfKnownSubmitter(t *testing.T) {
	dir := NewStaticDirectory(&Principal{ID: "bob", Name: "Bob", Groups: []string{"staff"}})
	caller := &Principal{ID: "gateway", Type: PrincipalTypeSystem}

	got, err := ResolveInitiator(context.Background(), dir, caller, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.ID)
	assert.Equal(t, []string{"staff"}, got.Groups)
	assert.False(t, got.IsSystem())
}

func TestResolveInitiator_SystemOnBehalfOfUnknownSubmitter(t *testing.T) {
	dir := NewStaticDirectory()
	caller := &Principal{ID: "gateway", Type: PrincipalTypeSystem}

	got, err := ResolveInitiator(context.Background(), dir, caller, "walk-in")
	require.NoError(t, err)
	assert.Equal(t, "walk-in", got.ID)
}

func TestStaticDirectory_LookupCopiesAndReplaces(t *testing.T) {
	dir := NewStaticDirectory(&Principal{ID: "alice", Groups: []string{"a"}})

	p, err := dir.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, PrincipalTypeHuman, p.Type)
	p.Groups[0] = "mutated"

	again, err := dir.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Groups[0])

	dir.Replace(nil)
	_, err = dir.Lookup(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, schema.KindNotFound, schema.KindOf(err))
}
