package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/pkg/schema"
)

// panicking is a command whose Execute panics.
type panicking struct {
	Binding
}

func (c *panicking) Name() string                               { return "panicking" }
func (c *panicking) Kind() Kind                                 { return KindData }
func (c *panicking) Description() string                        { return "always panics" }
func (c *panicking) Needs() []Collaborator                      { return nil }
func (c *panicking) Authorize() error                           { return nil }
func (c *panicking) Execute(context.Context, *Env) (int, error) { panic("boom") }

func TestRun_AuditsSuccessAndFailure(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, schema.ProcessStatusOpen)
	ctx := context.Background()

	_, err := Run(ctx, h.exec, &Suspension{Binding: h.bind(t, admin, inst.ProcessInstanceID), Explanation: "maintenance"})
	require.NoError(t, err)

	_, err = Run(ctx, h.exec, &Suspension{Binding: h.bind(t, admin, inst.ProcessInstanceID)})
	require.Error(t, err)

	events := h.audit.all()
	require.Len(t, events, 2)
	assert.True(t, events[0].Completed)
	assert.Empty(t, events[0].ErrorCode)
	assert.Equal(t, "suspension", events[0].Command)
	assert.Equal(t, inst.ProcessInstanceID, events[0].Context.ProcessInstanceID)
	assert.Equal(t, "permits", events[0].Context.ProcessDefinitionKey)
	assert.Equal(t, "alice", events[0].Context.PrincipalID)

	assert.False(t, events[1].Completed)
	assert.Equal(t, schema.ErrCodeInvalidProcessStatus, events[1].ErrorCode)
}

func TestRun_HookAbortSkipsAuditAndSideEffects(t *testing.T) {
	veto := schema.NewError(schema.ErrCodeInterceptorRejected, "not today")
	h := newHarness(t, withHook(func(context.Context, Invocation) error { return veto }))
	inst := h.seed(t, schema.ProcessStatusOpen)
	b := h.bind(t, admin, inst.ProcessInstanceID)
	h.resetCounts()

	_, err := Run(context.Background(), h.exec, &Suspension{Binding: b})
	require.ErrorIs(t, err, veto)
	assert.Empty(t, h.audit.all())
	assert.Zero(t, h.engine.total())
	assert.Zero(t, h.store.total())
}

func TestRun_HookSeesInvocation(t *testing.T) {
	var got Invocation
	h := newHarness(t, withHook(func(_ context.Context, inv Invocation) error {
		got = inv
		return nil
	}))
	inst := h.seed(t, schema.ProcessStatusOpen)

	_, err := Run(context.Background(), h.exec, &Suspension{Binding: h.bind(t, admin, inst.ProcessInstanceID)})
	require.NoError(t, err)
	assert.Equal(t, "suspension", got.Command)
	assert.Equal(t, KindLifecycle, got.Kind)
	assert.Equal(t, "alice", got.Principal.ID)
	assert.Equal(t, inst.ProcessInstanceID, got.Instance.ProcessInstanceID)
}

func TestRun_MissingCollaboratorIsMisconfigured(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, schema.ProcessStatusOpen)
	b := h.bind(t, admin, inst.ProcessInstanceID)
	h.exec.env.Engine = nil

	_, err := Run(context.Background(), h.exec, &Suspension{Binding: b})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCollaboratorMissing, schema.CodeOf(err))
	assert.Equal(t, schema.KindMisconfigured, schema.KindOf(err))

	events := h.audit.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].Completed)
}

func TestRun_PanicIsRecoveredAndAudited(t *testing.T) {
	h := newHarness(t)

	_, err := Run[int](context.Background(), h.exec, &panicking{Binding: Binding{Principal: admin}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInternal, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")

	events := h.audit.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].Completed)
	assert.Equal(t, schema.ErrCodeInternal, events[0].ErrorCode)
}

func TestRun_AuditFailureDoesNotMaskResult(t *testing.T) {
	h := newHarness(t)
	h.audit.err = errors.New("sink down")
	inst := h.seed(t, schema.ProcessStatusOpen)

	tr, err := Run(context.Background(), h.exec, &Suspension{Binding: h.bind(t, admin, inst.ProcessInstanceID)})
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessStatusSuspended, tr.Instance.ProcessStatus)
}

func TestRun_RefreshesBoundInstance(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, schema.ProcessStatusOpen)
	b := h.bind(t, admin, inst.ProcessInstanceID)

	// Another writer moves the instance on after the caller loaded it.
	_, err := h.factory.UpdateStatus(context.Background(), admin, inst.ProcessInstanceID, "Waiting", "")
	require.NoError(t, err)

	tr, err := Run(context.Background(), h.exec, &Suspension{Binding: b})
	require.NoError(t, err)
	assert.Equal(t, "Waiting", tr.Instance.PreviousApplicationStatus)
	assert.Equal(t, int64(3), tr.Instance.Version)
}

func TestRun_AuthorizesAgainstStoredTask(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, schema.ProcessStatusOpen)
	b := h.bindTask(t, clerk, inst.ProcessInstanceID, "task-1")

	// The task is handed to dave after bob loaded it.
	task, ok := h.stored(t, inst.ProcessInstanceID).Task("task-1")
	require.True(t, ok)
	task.CandidateAssigneeIDs = []string{"reviewers"}
	task.Assignee = "dave"
	_, err := h.store.StoreTask(context.Background(), h.stored(t, inst.ProcessInstanceID), *task)
	require.NoError(t, err)
	h.resetCounts()

	_, err = Run(context.Background(), h.exec, &CompleteTask{Binding: b, Action: schema.ActionComplete, Validation: &schema.Validation{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInsufficientPermission, schema.CodeOf(err))
	assert.Zero(t, h.engine.count("complete_task"))

	events := h.audit.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.False(t, last.Completed)
	assert.Equal(t, schema.ErrCodeInsufficientPermission, last.ErrorCode)
}

func TestRun_VanishedTaskIsNotFound(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, schema.ProcessStatusOpen)
	b := h.bindTask(t, clerk, inst.ProcessInstanceID, "task-1")

	cleared := h.stored(t, inst.ProcessInstanceID).WithoutTasks()
	require.NoError(t, h.repo.UpdateInstance(context.Background(), cleared, cleared.Version, nil))
	h.resetCounts()

	_, err := Run(context.Background(), h.exec, &CompleteTask{Binding: b, Action: schema.ActionComplete, Validation: &schema.Validation{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTaskNotFound, schema.CodeOf(err))
	assert.Equal(t, 1, h.engine.count("find_task"))
	assert.Zero(t, h.engine.count("complete_task"))
}

func TestRun_TaskKnownOnlyToEngineIsReloaded(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, schema.ProcessStatusOpen)
	b := h.bindTask(t, clerk, inst.ProcessInstanceID, "task-1")

	cleared := h.stored(t, inst.ProcessInstanceID).WithoutTasks()
	require.NoError(t, h.repo.UpdateInstance(context.Background(), cleared, cleared.Version, nil))
	h.engine.foundTask = &schema.Task{
		TaskInstanceID:    "task-1",
		TaskDefinitionKey: "submit",
		ProcessInstanceID: inst.ProcessInstanceID,
		Active:            true,
		Assignee:          "dave",
	}

	_, err := Run(context.Background(), h.exec, &CompleteTask{Binding: b, Action: schema.ActionComplete, Validation: &schema.Validation{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInsufficientPermission, schema.CodeOf(err))
	assert.Zero(t, h.engine.count("complete_task"))
}

func TestRun_DeletedInstanceIsNotFound(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, schema.ProcessStatusOpen)
	b := h.bind(t, admin, inst.ProcessInstanceID)

	deleted := h.stored(t, inst.ProcessInstanceID)
	deleted.Deleted = true
	require.NoError(t, h.repo.UpdateInstance(context.Background(), deleted, deleted.Version, nil))

	_, err := Run(context.Background(), h.exec, &Suspension{Binding: b})
	require.Error(t, err)
	assert.Equal(t, schema.KindNotFound, schema.KindOf(err))
	assert.Zero(t, h.engine.total())
}

func TestRun_AnonymousPrincipalMakesNoCalls(t *testing.T) {
	h := newHarness(t)
	open := h.seed(t, schema.ProcessStatusOpen)
	ctx := context.Background()

	cases := []struct {
		name string
		run  func(b Binding) error
	}{
		{"activation", func(b Binding) error { _, err := Run(ctx, h.exec, &Activation{Binding: b}); return err }},
		{"suspension", func(b Binding) error { _, err := Run(ctx, h.exec, &Suspension{Binding: b}); return err }},
		{"cancellation", func(b Binding) error { _, err := Run(ctx, h.exec, &Cancellation{Binding: b}); return err }},
		{"assignment", func(b Binding) error { _, err := Run(ctx, h.exec, &Assignment{Binding: b, Assignee: "bob"}); return err }},
		{"update_status", func(b Binding) error {
			_, err := Run(ctx, h.exec, &UpdateStatus{Binding: b, Label: "x"})
			return err
		}},
		{"restart", func(b Binding) error { _, err := Run(ctx, h.exec, &Restart{Binding: b}); return err }},
		{"requeue", func(b Binding) error { _, err := Run(ctx, h.exec, &Requeue{Binding: b}); return err }},
		{"completion", func(b Binding) error { _, err := Run(ctx, h.exec, &Completion{Binding: b}); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, p := range []*identity.Principal{nil, {}} {
				b := h.bindTask(t, admin, open.ProcessInstanceID, "task-1")
				b.Principal = p
				h.resetCounts()

				err := tc.run(b)
				require.Error(t, err)
				assert.Equal(t, schema.KindForbidden, schema.KindOf(err))
				assert.Equal(t, schema.ErrCodeAnonymousNotAllowed, schema.CodeOf(err))
				assert.Zero(t, h.engine.total(), "engine calls")
				assert.Zero(t, h.store.total(), "store calls")
			}
		})
	}

	for _, e := range h.audit.all() {
		assert.False(t, e.Completed)
	}
	assert.Len(t, h.audit.all(), 2*len(cases))
	assert.Equal(t, schema.ProcessStatusOpen, h.stored(t, open.ProcessInstanceID).ProcessStatus)
}

func TestChain_StopsAtFirstError(t *testing.T) {
	var calls []string
	first := func(context.Context, Invocation) error { calls = append(calls, "first"); return errors.New("stop") }
	second := func(context.Context, Invocation) error { calls = append(calls, "second"); return nil }

	err := Chain(nil, first, second)(context.Background(), Invocation{})
	require.Error(t, err)
	assert.Equal(t, []string{"first"}, calls)
}
