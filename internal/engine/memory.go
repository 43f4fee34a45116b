package engine

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/pkg/schema"
)

type execution struct {
	id            string
	businessKey   string
	definitionKey string
	step          int
	suspended     bool
	ended         bool
	variables     map[string]any
	tasks         []string
}

// MemoryEngine is an in-process Engine running linear Definitions.
type MemoryEngine struct {
	mu            sync.Mutex
	definitions   map[string]*Definition
	executions    map[string]*execution
	byBusinessKey map[string]string
	tasks         map[string]*schema.Task
	taskExec      map[string]string
	now           func() time.Time
	notify        *dispatcher
}

// NewMemoryEngine creates an engine with no deployed definitions.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		definitions:   make(map[string]*Definition),
		executions:    make(map[string]*execution),
		byBusinessKey: make(map[string]string),
		tasks:         make(map[string]*schema.Task),
		taskExec:      make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
		notify:        newDispatcher(),
	}
}

// SetListener installs the notification listener. Notifications raised
// before a listener is set are dropped.
func (e *MemoryEngine) SetListener(l Listener) {
	e.notify.setListener(l)
}

// Flush blocks until every queued notification has been delivered.
func (e *MemoryEngine) Flush() {
	e.notify.wait()
}

// Close stops notification delivery.
func (e *MemoryEngine) Close() {
	e.notify.close()
}

func (e *MemoryEngine) Deploy(_ context.Context, _ *schema.Process, deployment *schema.Deployment, content []byte) (*schema.Deployment, error) {
	if deployment == nil {
		return nil, engineError("deploy: deployment is nil")
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return nil, engineError("deploy %s: %s", deployment.DeploymentID, err).WithCause(err)
	}
	if deployment.EngineProcessDefinitionKey != "" && deployment.EngineProcessDefinitionKey != def.Key {
		return nil, engineError("deploy %s: resource defines %q, deployment expects %q",
			deployment.DeploymentID, def.Key, deployment.EngineProcessDefinitionKey)
	}

	e.mu.Lock()
	e.definitions[def.Key] = def
	now := e.now()
	e.mu.Unlock()

	out := *deployment
	out.Activities = slices.Clone(deployment.Activities)
	out.EngineProcessDefinitionKey = def.Key
	out.EngineDeploymentID = uuid.New().String()
	out.Deployed = true
	out.DeploymentTime = &now
	return &out, nil
}

func (e *MemoryEngine) Start(_ context.Context, _ *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (string, error) {
	if deployment == nil || inst == nil {
		return "", engineError("start: deployment and instance are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.definitions[deployment.EngineProcessDefinitionKey]
	if !ok {
		return "", engineError("process definition %q is not deployed", deployment.EngineProcessDefinitionKey)
	}
	if id, running := e.byBusinessKey[inst.ProcessInstanceID]; running {
		return "", engineError("execution %s is already running for %s", id, inst.ProcessInstanceID)
	}

	exec := &execution{
		id:            uuid.New().String(),
		businessKey:   inst.ProcessInstanceID,
		definitionKey: def.Key,
		variables:     make(map[string]any),
	}
	e.executions[exec.id] = exec
	e.byBusinessKey[exec.businessKey] = exec.id
	e.openStepLocked(exec, def, 0)
	return exec.id, nil
}

func (e *MemoryEngine) Activate(_ context.Context, _ *schema.Process, _ *schema.Deployment, inst *schema.ProcessInstance) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec := e.executionForLocked(inst)
	if exec == nil || exec.ended || !exec.suspended {
		return false, nil
	}
	exec.suspended = false
	return true, nil
}

func (e *MemoryEngine) Suspend(_ context.Context, _ *schema.Process, _ *schema.Deployment, inst *schema.ProcessInstance) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec := e.executionForLocked(inst)
	if exec == nil || exec.ended || exec.suspended {
		return false, nil
	}
	exec.suspended = true
	return true, nil
}

func (e *MemoryEngine) Cancel(_ context.Context, _ *schema.Process, _ *schema.Deployment, inst *schema.ProcessInstance) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec := e.executionForLocked(inst)
	if exec == nil || exec.ended {
		return false, nil
	}
	e.endLocked(exec)
	for _, id := range exec.tasks {
		if t := e.tasks[id]; t.Active {
			e.finishTaskLocked(exec, t)
		}
	}
	return true, nil
}

func (e *MemoryEngine) Assign(_ context.Context, _ *schema.Process, _ *schema.Deployment, task *schema.Task, assignee string) (bool, error) {
	if task == nil {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, exec := e.liveTaskLocked(task.TaskInstanceID)
	if t == nil {
		return false, nil
	}
	t.Assignee = assignee
	e.notify.post(notification{businessKey: exec.businessKey, task: cloneTask(t)})
	return true, nil
}

func (e *MemoryEngine) CompleteTask(_ context.Context, _ *schema.Process, _ *schema.Deployment, taskID string, action schema.ActionType, validation *schema.Validation, principal *identity.Principal) (bool, error) {
	if action != schema.ActionComplete && action != schema.ActionReject {
		return false, engineError("complete task %s: unsupported action %q", taskID, action)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, exec := e.liveTaskLocked(taskID)
	if t == nil {
		return false, nil
	}
	if t.Assignee == "" {
		t.Assignee = principal.UserID()
	}
	maps.Copy(exec.variables, validation.Variables())
	e.finishTaskLocked(exec, t)

	if t.ParentTaskID != "" {
		return true, nil
	}

	def := e.definitions[exec.definitionKey]
	next := exec.step + 1
	if action == schema.ActionReject {
		next = max(exec.step-1, 0)
	}
	if next >= len(def.Steps) {
		e.endLocked(exec)
		e.notify.post(notification{businessKey: exec.businessKey, ended: true})
		return true, nil
	}
	e.openStepLocked(exec, def, next)
	return true, nil
}

func (e *MemoryEngine) FindTask(_ context.Context, _ *schema.Process, _ *schema.Deployment, taskID string, activeOnly bool) (*schema.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok || (activeOnly && !t.Active) {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (e *MemoryEngine) CreateSubTask(_ context.Context, _ *schema.Process, _ *schema.Deployment, parent *schema.Task, validation *schema.Validation) (*schema.Task, error) {
	if parent == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, exec := e.liveTaskLocked(parent.TaskInstanceID)
	if p == nil {
		return nil, nil
	}
	key := p.TaskDefinitionKey
	if validation != nil && validation.ActivityKey != "" {
		key = validation.ActivityKey
	}
	sub := &schema.Task{
		TaskInstanceID:       uuid.New().String(),
		TaskDefinitionKey:    key,
		Label:                p.Label,
		ProcessInstanceID:    exec.businessKey,
		ParentTaskID:         p.TaskInstanceID,
		Active:               true,
		CandidateAssigneeIDs: slices.Clone(p.CandidateAssigneeIDs),
		StartTime:            e.now(),
	}
	e.tasks[sub.TaskInstanceID] = sub
	e.taskExec[sub.TaskInstanceID] = exec.id
	exec.tasks = append(exec.tasks, sub.TaskInstanceID)
	return cloneTask(sub), nil
}

func (e *MemoryEngine) FindExecution(_ context.Context, _ *schema.Process, _ *schema.Deployment, businessKey string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byBusinessKey[businessKey], nil
}

// Variables returns a copy of the variables collected by an execution.
func (e *MemoryEngine) Variables(executionID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec, ok := e.executions[executionID]; ok {
		return maps.Clone(exec.variables)
	}
	return nil
}

// --- internals (caller holds e.mu) ---

func (e *MemoryEngine) executionForLocked(inst *schema.ProcessInstance) *execution {
	if inst == nil {
		return nil
	}
	if exec, ok := e.executions[inst.EngineProcessInstanceID]; ok {
		return exec
	}
	if id, ok := e.byBusinessKey[inst.ProcessInstanceID]; ok {
		return e.executions[id]
	}
	return nil
}

// liveTaskLocked returns an active task whose execution is running.
func (e *MemoryEngine) liveTaskLocked(taskID string) (*schema.Task, *execution) {
	t, ok := e.tasks[taskID]
	if !ok || !t.Active {
		return nil, nil
	}
	exec := e.executions[e.taskExec[taskID]]
	if exec == nil || exec.ended || exec.suspended {
		return nil, nil
	}
	return t, exec
}

func (e *MemoryEngine) openStepLocked(exec *execution, def *Definition, step int) {
	s := def.Steps[step]
	t := &schema.Task{
		TaskInstanceID:       uuid.New().String(),
		TaskDefinitionKey:    s.Key,
		Label:                s.Label,
		ProcessInstanceID:    exec.businessKey,
		Active:               true,
		CandidateAssigneeIDs: slices.Clone(s.Candidates),
		StartTime:            e.now(),
	}
	exec.step = step
	exec.tasks = append(exec.tasks, t.TaskInstanceID)
	e.tasks[t.TaskInstanceID] = t
	e.taskExec[t.TaskInstanceID] = exec.id
	e.notify.post(notification{businessKey: exec.businessKey, task: cloneTask(t)})
}

func (e *MemoryEngine) finishTaskLocked(exec *execution, t *schema.Task) {
	end := e.now()
	t.Active = false
	t.EndTime = &end
	e.notify.post(notification{businessKey: exec.businessKey, task: cloneTask(t)})
}

func (e *MemoryEngine) endLocked(exec *execution) {
	exec.ended = true
	delete(e.byBusinessKey, exec.businessKey)
}

func cloneTask(t *schema.Task) *schema.Task {
	cp := *t
	cp.CandidateAssigneeIDs = slices.Clone(t.CandidateAssigneeIDs)
	if t.EndTime != nil {
		end := *t.EndTime
		cp.EndTime = &end
	}
	return &cp
}

var _ Engine = (*MemoryEngine)(nil)
