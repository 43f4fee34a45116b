package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_StatusLabels(t *testing.T) {
	p := &Process{StatusLabels: StatusLabels{Cancelled: "Withdrawn"}}
	assert.Equal(t, "Suspended", p.SuspendedLabel())
	assert.Equal(t, "Withdrawn", p.CancelledLabel())
	assert.Equal(t, "Complete", p.CompletedLabel())

	var none *Process
	assert.Equal(t, DefaultCancelledStatus, none.CancelledLabel())
}

func TestProcess_HasVersion(t *testing.T) {
	p := &Process{Versions: []DeploymentVersion{
		{DeploymentID: "permits-v1", Version: "1"},
		{DeploymentID: "permits-v2", Version: "2", Label: "Spring"},
	}}

	v, ok := p.HasVersion("permits-v2")
	require.True(t, ok)
	assert.Equal(t, "Spring", v.Label)

	_, ok = p.HasVersion("permits-v3")
	assert.False(t, ok)
}

func TestInterceptorRule_AppliesTo(t *testing.T) {
	all := InterceptorRule{Name: "all"}
	assert.True(t, all.AppliesTo("Cancellation"))

	some := InterceptorRule{Name: "some", Commands: []string{"Create-Instance"}}
	assert.True(t, some.AppliesTo("Create-Instance"))
	assert.False(t, some.AppliesTo("Cancellation"))
}

func TestDeployment_Activity(t *testing.T) {
	d := &Deployment{Activities: []Activity{{Key: "submit"}, {Key: "review", CandidateGroups: []string{"staff"}}}}

	a, ok := d.Activity("review")
	require.True(t, ok)
	assert.Equal(t, []string{"staff"}, a.CandidateGroups)

	_, ok = d.Activity("approve")
	assert.False(t, ok)
}

func TestProviderContext_Key(t *testing.T) {
	assert.Equal(t, "i-1", ProviderContext{ProcessDefinitionKey: "permits", ProcessInstanceID: "i-1"}.Key())
	assert.Equal(t, "permits", ProviderContext{ProcessDefinitionKey: "permits"}.Key())
	assert.Empty(t, ProviderContext{}.Key())
}
