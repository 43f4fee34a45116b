package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// eachRepository runs fn against every Repository backend.
func eachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
}

var testTime = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func seedInstance(t *testing.T, repo Repository, mutate func(*schema.ProcessInstance)) *schema.ProcessInstance {
	t.Helper()
	inst := &schema.ProcessInstance{
		ProcessInstanceID:    uuid.New().String(),
		ProcessDefinitionKey: "permits",
		DeploymentID:         "permits-v1",
		ProcessStatus:        schema.ProcessStatusOpen,
		InitiatorID:          "alice",
		Data: map[string][]schema.Value{
			"applicant": {{ID: "v1", Value: "Alice"}},
		},
		Version:   1,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
	if mutate != nil {
		mutate(inst)
	}
	require.NoError(t, repo.InsertInstance(context.Background(), inst, nil))
	return inst
}

// --- Instances ---

func TestRepository_InsertAndGetInstance(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		want := seedInstance(t, repo, func(inst *schema.ProcessInstance) {
			inst.Tasks = []schema.Task{{
				TaskInstanceID:       "task-1",
				TaskDefinitionKey:    "review",
				ProcessInstanceID:    inst.ProcessInstanceID,
				Active:               true,
				CandidateAssigneeIDs: []string{"reviewers"},
				StartTime:            testTime,
			}}
			inst.Operations = []schema.Operation{{ID: "op-1", Type: schema.OperationActivation, Timestamp: testTime}}
		})

		got, err := repo.GetInstance(context.Background(), want.ProcessInstanceID)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("instance mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRepository_GetInstanceNotFound(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		_, err := repo.GetInstance(context.Background(), "missing")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInstanceNotFound, schema.CodeOf(err))
	})
}

func TestRepository_DeletedInstanceIsHidden(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		inst := seedInstance(t, repo, func(inst *schema.ProcessInstance) { inst.Deleted = true })

		_, err := repo.GetInstance(context.Background(), inst.ProcessInstanceID)
		assert.Equal(t, schema.ErrCodeInstanceNotFound, schema.CodeOf(err))

		next := inst.Clone()
		next.ApplicationStatus = "Reviewed"
		err = repo.UpdateInstance(context.Background(), next, 1, nil)
		assert.Equal(t, schema.ErrCodeInstanceNotFound, schema.CodeOf(err))
	})
}

func TestRepository_UpdateInstanceBumpsVersion(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		inst := seedInstance(t, repo, nil)

		next := inst.Clone()
		next.ApplicationStatus = "In review"
		next.CreatedAt = testTime.Add(time.Hour)
		require.NoError(t, repo.UpdateInstance(ctx, next, 1, nil))

		got, err := repo.GetInstance(ctx, inst.ProcessInstanceID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "In review", got.ApplicationStatus)
		assert.True(t, got.CreatedAt.Equal(testTime), "created_at must not move on update")
	})
}

func TestRepository_UpdateInstanceStaleVersion(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		inst := seedInstance(t, repo, nil)

		first := inst.Clone()
		first.ApplicationStatus = "first"
		require.NoError(t, repo.UpdateInstance(ctx, first, 1, nil))

		second := inst.Clone()
		second.ApplicationStatus = "second"
		err := repo.UpdateInstance(ctx, second, 1, nil)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeStaleInstance, schema.CodeOf(err))
		assert.Equal(t, schema.KindConflict, schema.KindOf(err))

		got, err := repo.GetInstance(ctx, inst.ProcessInstanceID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.ApplicationStatus)
	})
}

func TestRepository_UpdateInstanceWritesSubmission(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		inst := seedInstance(t, repo, nil)

		sub := &schema.Submission{
			ID:                   "sub-1",
			ProcessDefinitionKey: "permits",
			ProcessInstanceID:    inst.ProcessInstanceID,
			ActionType:           schema.ActionSave,
			SubmitterID:          "alice",
			SubmissionDate:       testTime,
			Data:                 map[string][]schema.Value{"notes": {{ID: "n1", Value: "draft"}}},
		}
		require.NoError(t, repo.UpdateInstance(ctx, inst.Clone(), 1, sub))

		subs, err := repo.ListSubmissions(ctx, inst.ProcessInstanceID)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		if diff := cmp.Diff(sub, subs[0]); diff != "" {
			t.Errorf("submission mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRepository_FailedUpdateDropsSubmission(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		inst := seedInstance(t, repo, nil)

		sub := &schema.Submission{ID: "sub-x", ProcessInstanceID: inst.ProcessInstanceID, ActionType: schema.ActionSave, SubmissionDate: testTime}
		err := repo.UpdateInstance(ctx, inst.Clone(), 7, sub)
		require.Error(t, err)

		subs, err := repo.ListSubmissions(ctx, inst.ProcessInstanceID)
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}

func TestRepository_ListInstancesFilters(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		started := seedInstance(t, repo, func(inst *schema.ProcessInstance) {
			inst.EngineProcessInstanceID = "eng-1"
			inst.CreatedAt = testTime.Add(1 * time.Minute)
		})
		unstarted := seedInstance(t, repo, func(inst *schema.ProcessInstance) {
			inst.CreatedAt = testTime.Add(2 * time.Minute)
		})
		queued := seedInstance(t, repo, func(inst *schema.ProcessInstance) {
			inst.ProcessStatus = schema.ProcessStatusQueued
			inst.CreatedAt = testTime.Add(3 * time.Minute)
		})
		archived := seedInstance(t, repo, func(inst *schema.ProcessInstance) {
			inst.ProcessStatus = schema.ProcessStatusComplete
			inst.Archived = true
			inst.CreatedAt = testTime.Add(4 * time.Minute)
		})
		seedInstance(t, repo, func(inst *schema.ProcessInstance) {
			inst.ProcessDefinitionKey = "licences"
			inst.CreatedAt = testTime.Add(5 * time.Minute)
		})

		ids := func(list []*schema.ProcessInstance) []string {
			out := make([]string, 0, len(list))
			for _, inst := range list {
				out = append(out, inst.ProcessInstanceID)
			}
			return out
		}

		all, err := repo.ListInstances(ctx, InstanceFilter{ProcessDefinitionKey: "permits"})
		require.NoError(t, err)
		assert.Equal(t, []string{started.ProcessInstanceID, unstarted.ProcessInstanceID, queued.ProcessInstanceID}, ids(all))

		withArchived, err := repo.ListInstances(ctx, InstanceFilter{ProcessDefinitionKey: "permits", IncludeArchived: true})
		require.NoError(t, err)
		assert.Contains(t, ids(withArchived), archived.ProcessInstanceID)

		status := schema.ProcessStatusQueued
		q, err := repo.ListInstances(ctx, InstanceFilter{Status: &status})
		require.NoError(t, err)
		assert.Equal(t, []string{queued.ProcessInstanceID}, ids(q))

		missing, err := repo.ListInstances(ctx, InstanceFilter{ProcessDefinitionKey: "permits", MissingEngineID: true})
		require.NoError(t, err)
		assert.Equal(t, []string{unstarted.ProcessInstanceID}, ids(missing))

		limited, err := repo.ListInstances(ctx, InstanceFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

// --- Processes & deployments ---

func TestRepository_Processes(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		_, err := repo.GetProcess(ctx, "permits")
		assert.Equal(t, schema.ErrCodeProcessNotFound, schema.CodeOf(err))

		p := &schema.Process{
			ProcessDefinitionKey: "permits",
			Label:                "Permits",
			Roles:                map[schema.Role][]string{schema.RoleAdmin: {"alice"}},
			Versions:             []schema.DeploymentVersion{{DeploymentID: "permits-v1", Version: "1"}},
		}
		require.NoError(t, repo.SaveProcess(ctx, p))
		require.NoError(t, repo.SaveProcess(ctx, &schema.Process{ProcessDefinitionKey: "gone", Deleted: true}))

		got, err := repo.GetProcess(ctx, "permits")
		require.NoError(t, err)
		if diff := cmp.Diff(p, got); diff != "" {
			t.Errorf("process mismatch (-want +got):\n%s", diff)
		}

		list, err := repo.ListProcesses(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "permits", list[0].ProcessDefinitionKey)

		_, err = repo.GetProcess(ctx, "gone")
		assert.Equal(t, schema.ErrCodeProcessNotFound, schema.CodeOf(err))
	})
}

func TestRepository_DeploymentsAndActivities(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		err := repo.SaveActivities(ctx, "nope", nil)
		assert.Equal(t, schema.ErrCodeDeploymentNotFound, schema.CodeOf(err))

		d := &schema.Deployment{
			DeploymentID:               "permits-v1",
			ProcessDefinitionKey:       "permits",
			EngineProcessDefinitionKey: "permit_flow",
			Deployed:                   true,
			Activities:                 []schema.Activity{{Key: "ignored"}},
		}
		require.NoError(t, repo.SaveDeployment(ctx, d))
		require.NoError(t, repo.SaveDeployment(ctx, &schema.Deployment{DeploymentID: "other-v1", ProcessDefinitionKey: "other"}))

		got, err := repo.GetDeployment(ctx, "permits-v1")
		require.NoError(t, err)
		assert.Empty(t, got.Activities)
		assert.True(t, got.Deployed)

		activities := []schema.Activity{
			{Key: "submit", Label: "Submit", CandidateGroups: []string{"staff"}},
			{Key: "review", Label: "Review"},
		}
		require.NoError(t, repo.SaveActivities(ctx, "permits-v1", activities))
		require.NoError(t, repo.SaveActivities(ctx, "permits-v1", activities))

		got, err = repo.GetDeployment(ctx, "permits-v1")
		require.NoError(t, err)
		if diff := cmp.Diff(activities, got.Activities, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("activities mismatch (-want +got):\n%s", diff)
		}

		list, err := repo.ListDeployments(ctx, "permits")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Len(t, list[0].Activities, 2)

		all, err := repo.ListDeployments(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = repo.GetDeployment(ctx, "missing")
		assert.Equal(t, schema.ErrCodeDeploymentNotFound, schema.CodeOf(err))
	})
}

// --- Command events ---

func TestRepository_CommandEventSequencesPerStream(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		onInstance := schema.ProviderContext{ProcessDefinitionKey: "permits", ProcessInstanceID: "inst-1"}
		onProcess := schema.ProviderContext{ProcessDefinitionKey: "permits"}

		for i, pc := range []schema.ProviderContext{onInstance, onProcess, onInstance, onInstance} {
			e := &schema.CommandEvent{Command: "activation", Context: pc, Completed: i%2 == 0, Timestamp: testTime}
			require.NoError(t, repo.AppendCommandEvent(ctx, e))
			assert.NotEmpty(t, e.ID)
		}

		events, err := repo.ListCommandEvents(ctx, AuditFilter{Key: "inst-1"})
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
			assert.Equal(t, "inst-1", e.Context.ProcessInstanceID)
		}

		proc, err := repo.ListCommandEvents(ctx, AuditFilter{Key: "permits"})
		require.NoError(t, err)
		require.Len(t, proc, 1)
		assert.Equal(t, int64(1), proc[0].Sequence)

		since, err := repo.ListCommandEvents(ctx, AuditFilter{Key: "inst-1", Since: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, int64(2), since[0].Sequence)
	})
}
