package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/casework/pkg/schema"
)

// MemoryStore is an in-process Repository. Values are copied on the way in
// and out, so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*schema.ProcessInstance
	submissions map[string][]*schema.Submission
	processes   map[string]*schema.Process
	deployments map[string]*schema.Deployment
	activities  map[string][]schema.Activity
	events      []*schema.CommandEvent
	sequences   map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]*schema.ProcessInstance),
		submissions: make(map[string][]*schema.Submission),
		processes:   make(map[string]*schema.Process),
		deployments: make(map[string]*schema.Deployment),
		activities:  make(map[string][]schema.Activity),
		sequences:   make(map[string]int64),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// --- Instances ---

func (s *MemoryStore) InsertInstance(_ context.Context, inst *schema.ProcessInstance, sub *schema.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ProcessInstanceID]; exists {
		return schema.NewErrorf(schema.ErrCodeStore, "process instance %q already exists", inst.ProcessInstanceID)
	}
	s.instances[inst.ProcessInstanceID] = inst.Clone()
	s.appendSubmissionLocked(sub)
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*schema.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok || inst.Deleted {
		return nil, instanceNotFound(id)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, next *schema.ProcessInstance, expectedVersion int64, sub *schema.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[next.ProcessInstanceID]
	if !ok || stored.Deleted {
		return instanceNotFound(next.ProcessInstanceID)
	}
	if stored.Version != expectedVersion {
		return staleInstance(next.ProcessInstanceID, expectedVersion, stored.Version)
	}
	cp := next.Clone()
	cp.Version = expectedVersion + 1
	cp.CreatedAt = stored.CreatedAt
	s.instances[cp.ProcessInstanceID] = cp
	s.appendSubmissionLocked(sub)
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*schema.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.ProcessInstance
	for _, inst := range s.instances {
		if matchesFilter(inst, filter) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProcessInstanceID < out[j].ProcessInstanceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(inst *schema.ProcessInstance, f InstanceFilter) bool {
	switch {
	case inst.Deleted:
		return false
	case inst.Archived && !f.IncludeArchived:
		return false
	case f.ProcessDefinitionKey != "" && inst.ProcessDefinitionKey != f.ProcessDefinitionKey:
		return false
	case f.Status != nil && inst.ProcessStatus != *f.Status:
		return false
	case f.MissingEngineID && (inst.ProcessStatus != schema.ProcessStatusOpen || inst.EngineProcessInstanceID != ""):
		return false
	}
	return true
}

func (s *MemoryStore) ListSubmissions(_ context.Context, id string) ([]*schema.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Submission, 0, len(s.submissions[id]))
	for _, sub := range s.submissions[id] {
		out = append(out, cloneSubmission(sub))
	}
	return out, nil
}

func (s *MemoryStore) appendSubmissionLocked(sub *schema.Submission) {
	if sub == nil {
		return
	}
	s.submissions[sub.ProcessInstanceID] = append(s.submissions[sub.ProcessInstanceID], cloneSubmission(sub))
}

// --- Processes & deployments ---

func (s *MemoryStore) GetProcess(_ context.Context, key string) (*schema.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[key]
	if !ok || p.Deleted {
		return nil, schema.NewErrorf(schema.ErrCodeProcessNotFound, "process %q not found", key)
	}
	return cloneProcess(p), nil
}

func (s *MemoryStore) ListProcesses(context.Context) ([]*schema.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Process, 0, len(s.processes))
	for _, p := range s.processes {
		if !p.Deleted {
			out = append(out, cloneProcess(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessDefinitionKey < out[j].ProcessDefinitionKey })
	return out, nil
}

func (s *MemoryStore) SaveProcess(_ context.Context, p *schema.Process) error {
	if p == nil || p.ProcessDefinitionKey == "" {
		return schema.NewError(schema.ErrCodeMissingDefinitionKey, "process definition key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[p.ProcessDefinitionKey] = cloneProcess(p)
	return nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, id string) (*schema.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDeploymentNotFound, "deployment %q not found", id)
	}
	cp := cloneDeployment(d)
	cp.Activities = slices.Clone(s.activities[id])
	return cp, nil
}

func (s *MemoryStore) ListDeployments(_ context.Context, processKey string) ([]*schema.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Deployment
	for id, d := range s.deployments {
		if processKey != "" && d.ProcessDefinitionKey != processKey {
			continue
		}
		cp := cloneDeployment(d)
		cp.Activities = slices.Clone(s.activities[id])
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out, nil
}

func (s *MemoryStore) SaveDeployment(_ context.Context, d *schema.Deployment) error {
	if d == nil || d.DeploymentID == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "deployment id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneDeployment(d)
	cp.Activities = nil
	s.deployments[d.DeploymentID] = cp
	return nil
}

func (s *MemoryStore) SaveActivities(_ context.Context, deploymentID string, activities []schema.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[deploymentID]; !ok {
		return schema.NewErrorf(schema.ErrCodeDeploymentNotFound, "deployment %q not found", deploymentID)
	}
	s.activities[deploymentID] = slices.Clone(activities)
	return nil
}

// --- Command audit ---

func (s *MemoryStore) AppendCommandEvent(_ context.Context, event *schema.CommandEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	key := event.Context.Key()
	s.sequences[key]++
	event.Sequence = s.sequences[key]
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListCommandEvents(_ context.Context, filter AuditFilter) ([]*schema.CommandEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.CommandEvent
	for _, e := range s.events {
		if filter.Key != "" && e.Context.Key() != filter.Key {
			continue
		}
		if e.Sequence <= filter.Since {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Copy helpers ---

func cloneSubmission(sub *schema.Submission) *schema.Submission {
	cp := *sub
	cp.Data = schema.CloneData(sub.Data)
	cp.AttachmentIDs = slices.Clone(sub.AttachmentIDs)
	return &cp
}

func cloneProcess(p *schema.Process) *schema.Process {
	cp := *p
	if p.Roles != nil {
		cp.Roles = make(map[schema.Role][]string, len(p.Roles))
		for r, members := range p.Roles {
			cp.Roles[r] = slices.Clone(members)
		}
	}
	cp.Versions = slices.Clone(p.Versions)
	cp.Interceptors = slices.Clone(p.Interceptors)
	return &cp
}

func cloneDeployment(d *schema.Deployment) *schema.Deployment {
	cp := *d
	cp.Activities = slices.Clone(d.Activities)
	return &cp
}

var _ Repository = (*MemoryStore)(nil)
