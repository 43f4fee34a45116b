package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/store"
	"github.com/rendis/casework/pkg/schema"
)

var testTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	admin     = &identity.Principal{ID: "alice"}
	clerk     = &identity.Principal{ID: "bob", Groups: []string{"staff"}}
	initiator = &identity.Principal{ID: "ivan", Groups: []string{"public"}}
	overseer  = &identity.Principal{ID: "olga"}
	outsider  = &identity.Principal{ID: "mallory"}
	system    = &identity.Principal{ID: "casework", Type: identity.PrincipalTypeSystem}
)

// --- Mock engine ---

type mockEngine struct {
	mu    sync.Mutex
	calls map[string]int

	startID    string
	startErr   error
	activateOK bool
	suspendOK  bool
	cancelOK   bool
	cancelErr  error
	assignOK   bool
	assignErr  error
	completeOK bool
	foundTask  *schema.Task
	subTask    *schema.Task
	subTaskErr error
	deployErr  error
	deployNil  bool

	assignedTo []string
	started    []*schema.ProcessInstance
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		calls:      make(map[string]int),
		startID:    "exec-1",
		activateOK: true,
		suspendOK:  true,
		cancelOK:   true,
		assignOK:   true,
		completeOK: true,
	}
}

func (m *mockEngine) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
}

func (m *mockEngine) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockEngine) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *mockEngine) Start(_ context.Context, _ *schema.Process, _ *schema.Deployment, inst *schema.ProcessInstance) (string, error) {
	m.record("start")
	m.mu.Lock()
	m.started = append(m.started, inst.Clone())
	m.mu.Unlock()
	return m.startID, m.startErr
}

func (m *mockEngine) Activate(context.Context, *schema.Process, *schema.Deployment, *schema.ProcessInstance) (bool, error) {
	m.record("activate")
	return m.activateOK, nil
}

func (m *mockEngine) Suspend(context.Context, *schema.Process, *schema.Deployment, *schema.ProcessInstance) (bool, error) {
	m.record("suspend")
	return m.suspendOK, nil
}

func (m *mockEngine) Cancel(context.Context, *schema.Process, *schema.Deployment, *schema.ProcessInstance) (bool, error) {
	m.record("cancel")
	return m.cancelOK, m.cancelErr
}

func (m *mockEngine) Assign(_ context.Context, _ *schema.Process, _ *schema.Deployment, _ *schema.Task, assignee string) (bool, error) {
	m.record("assign")
	m.mu.Lock()
	m.assignedTo = append(m.assignedTo, assignee)
	m.mu.Unlock()
	return m.assignOK, m.assignErr
}

func (m *mockEngine) CompleteTask(context.Context, *schema.Process, *schema.Deployment, string, schema.ActionType, *schema.Validation, *identity.Principal) (bool, error) {
	m.record("complete_task")
	return m.completeOK, nil
}

func (m *mockEngine) FindTask(context.Context, *schema.Process, *schema.Deployment, string, bool) (*schema.Task, error) {
	m.record("find_task")
	if m.foundTask == nil {
		return nil, nil
	}
	t := *m.foundTask
	return &t, nil
}

func (m *mockEngine) CreateSubTask(context.Context, *schema.Process, *schema.Deployment, *schema.Task, *schema.Validation) (*schema.Task, error) {
	m.record("create_sub_task")
	return m.subTask, m.subTaskErr
}

func (m *mockEngine) Deploy(_ context.Context, _ *schema.Process, d *schema.Deployment, _ []byte) (*schema.Deployment, error) {
	m.record("deploy")
	if m.deployErr != nil || m.deployNil {
		return nil, m.deployErr
	}
	out := *d
	out.Deployed = true
	out.EngineDeploymentID = "engine-" + d.DeploymentID
	return &out, nil
}

func (m *mockEngine) FindExecution(context.Context, *schema.Process, *schema.Deployment, string) (string, error) {
	m.record("find_execution")
	return m.startID, nil
}

// --- Counting storage manager ---

type countingStore struct {
	inner *store.Manager

	mu             sync.Mutex
	calls          map[string]int
	failEngineID   error
	failSubmission error
}

func (s *countingStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

func (s *countingStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *countingStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *countingStore) Create(ctx context.Context, p *schema.Process, d *schema.Deployment, in store.CreateInput) (*schema.ProcessInstance, error) {
	s.record("create")
	return s.inner.Create(ctx, p, d, in)
}

func (s *countingStore) Get(ctx context.Context, id string) (*schema.ProcessInstance, error) {
	s.record("get")
	return s.inner.Get(ctx, id)
}

func (s *countingStore) List(ctx context.Context, f store.InstanceFilter) ([]*schema.ProcessInstance, error) {
	s.record("list")
	return s.inner.List(ctx, f)
}

func (s *countingStore) StoreOperation(ctx context.Context, inst *schema.ProcessInstance, r schema.OperationResult, op schema.Operation) (*schema.ProcessInstance, error) {
	s.record("store_operation")
	return s.inner.StoreOperation(ctx, inst, r, op)
}

func (s *countingStore) StoreTask(ctx context.Context, inst *schema.ProcessInstance, t schema.Task) (*schema.ProcessInstance, error) {
	s.record("store_task")
	return s.inner.StoreTask(ctx, inst, t)
}

func (s *countingStore) StoreEngineID(ctx context.Context, inst *schema.ProcessInstance, id string) (*schema.ProcessInstance, error) {
	s.record("store_engine_id")
	if s.failEngineID != nil {
		return nil, s.failEngineID
	}
	return s.inner.StoreEngineID(ctx, inst, id)
}

func (s *countingStore) StoreRequeue(ctx context.Context, inst *schema.ProcessInstance, op schema.Operation) (*schema.ProcessInstance, error) {
	s.record("store_requeue")
	return s.inner.StoreRequeue(ctx, inst, op)
}

func (s *countingStore) StoreQueued(ctx context.Context, inst *schema.ProcessInstance, reason string) (*schema.ProcessInstance, error) {
	s.record("store_queued")
	return s.inner.StoreQueued(ctx, inst, reason)
}

func (s *countingStore) StoreSubmission(ctx context.Context, inst *schema.ProcessInstance, v *schema.Validation) (*schema.ProcessInstance, error) {
	s.record("store_submission")
	if s.failSubmission != nil {
		return nil, s.failSubmission
	}
	return s.inner.StoreSubmission(ctx, inst, v)
}

func (s *countingStore) StoreValueRemoval(ctx context.Context, inst *schema.ProcessInstance, field, id string, sub *schema.Submission) (*schema.ProcessInstance, error) {
	s.record("store_value_removal")
	return s.inner.StoreValueRemoval(ctx, inst, field, id, sub)
}

func (s *countingStore) StoreAttachmentRemoval(ctx context.Context, inst *schema.ProcessInstance, id string, sub *schema.Submission) (*schema.ProcessInstance, error) {
	s.record("store_attachment_removal")
	return s.inner.StoreAttachmentRemoval(ctx, inst, id, sub)
}

func (s *countingStore) Archive(ctx context.Context, inst *schema.ProcessInstance, r schema.OperationResult, op schema.Operation, data map[string][]schema.Value) (*schema.ProcessInstance, error) {
	s.record("archive")
	return s.inner.Archive(ctx, inst, r, op, data)
}

// --- Audit sink ---

type recordingAudit struct {
	mu     sync.Mutex
	events []schema.CommandEvent
	err    error
}

func (a *recordingAudit) SaveCommandEvent(_ context.Context, e *schema.CommandEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *e)
	return a.err
}

func (a *recordingAudit) all() []schema.CommandEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]schema.CommandEvent(nil), a.events...)
}

func (a *recordingAudit) commands() []string {
	var out []string
	for _, e := range a.all() {
		out = append(out, e.Command)
	}
	return out
}

// --- Resources ---

type mapResources map[string][]byte

func (m mapResources) Load(_ context.Context, name string) ([]byte, error) {
	b, ok := m[name]
	if !ok {
		return nil, errors.New("resource " + name + " not found")
	}
	return b, nil
}

// --- Harness ---

type harness struct {
	engine     *mockEngine
	store      *countingStore
	repo       *store.MemoryStore
	audit      *recordingAudit
	directory  *identity.StaticDirectory
	exec       *Executor
	factory    *Factory
	process    *schema.Process
	deployment *schema.Deployment
}

type harnessOption func(*Env, *ExecutorConfig)

func withHook(h Hook) harnessOption {
	return func(_ *Env, cfg *ExecutorConfig) { cfg.Before = h }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	repo := store.NewMemoryStore()
	clock := testTime
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	h := &harness{
		engine:    newMockEngine(),
		store:     &countingStore{inner: store.NewManager(repo, now), calls: make(map[string]int)},
		repo:      repo,
		audit:     &recordingAudit{},
		directory: identity.NewStaticDirectory(clerk, initiator, overseer, &identity.Principal{ID: "dave", Groups: []string{"reviewers"}}),
		process: &schema.Process{
			ProcessDefinitionKey: "permits",
			Label:                "Permit application",
			DeploymentID:         "permits-v1",
			Roles: map[schema.Role][]string{
				schema.RoleAdmin:     {"alice"},
				schema.RoleSuperuser: {"root"},
				schema.RoleOverseer:  {"olga"},
				schema.RoleUser:      {"staff", "public"},
			},
			Versions: []schema.DeploymentVersion{
				{DeploymentID: "permits-v1", Version: "1", Label: "First"},
				{DeploymentID: "permits-v2", Version: "2", Label: "Second"},
			},
		},
		deployment: &schema.Deployment{
			DeploymentID:               "permits-v1",
			ProcessDefinitionKey:       "permits",
			EngineProcessDefinitionKey: "permit_flow",
			ResourceName:               "permit_flow.yaml",
			Deployed:                   true,
		},
	}
	ctx := context.Background()
	require.NoError(t, repo.SaveProcess(ctx, h.process))
	require.NoError(t, repo.SaveDeployment(ctx, h.deployment))

	env := &Env{
		Engine:    h.engine,
		Store:     h.store,
		Processes: repo,
		Directory: h.directory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       now,
	}
	var cfg ExecutorConfig
	for _, opt := range opts {
		opt(env, &cfg)
	}
	h.exec = NewExecutor(env, h.audit, cfg)
	h.factory = NewFactory(h.exec)
	return h
}

// seed stores an instance initiated by ivan in the given status.
func (h *harness) seed(t *testing.T, status schema.ProcessStatus, mutate ...func(*schema.ProcessInstance)) *schema.ProcessInstance {
	t.Helper()
	inst := &schema.ProcessInstance{
		ProcessInstanceID:       "inst-" + string(status),
		EngineProcessInstanceID: "exec-0",
		ProcessDefinitionKey:    "permits",
		DeploymentID:            "permits-v1",
		InitiatorID:             "ivan",
		ProcessStatus:           status,
		ApplicationStatus:       "In review",
		Data:                    map[string][]schema.Value{"applicant": {{ID: "v1", Value: "Ivan"}}},
		Tasks: []schema.Task{{
			TaskInstanceID:       "task-1",
			TaskDefinitionKey:    "submit",
			ProcessInstanceID:    "inst-" + string(status),
			Active:               true,
			CandidateAssigneeIDs: []string{"staff"},
			StartTime:            testTime,
		}},
		Version:   1,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
	for _, m := range mutate {
		m(inst)
	}
	require.NoError(t, h.repo.InsertInstance(context.Background(), inst, nil))
	return inst
}

func (h *harness) bind(t *testing.T, p *identity.Principal, instanceID string) Binding {
	t.Helper()
	b, err := h.factory.BindInstance(context.Background(), p, instanceID)
	require.NoError(t, err)
	return b
}

func (h *harness) bindTask(t *testing.T, p *identity.Principal, instanceID, taskID string) Binding {
	t.Helper()
	b, err := h.factory.BindTask(context.Background(), p, instanceID, taskID)
	require.NoError(t, err)
	return b
}

func (h *harness) stored(t *testing.T, id string) *schema.ProcessInstance {
	t.Helper()
	inst, err := h.repo.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

// resetCounts forgets the calls made while setting a test up.
func (h *harness) resetCounts() {
	h.engine.mu.Lock()
	h.engine.calls = make(map[string]int)
	h.engine.mu.Unlock()
	h.store.mu.Lock()
	h.store.calls = make(map[string]int)
	h.store.mu.Unlock()
}
