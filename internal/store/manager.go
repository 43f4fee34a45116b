package store

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/casework/pkg/schema"
)

// Manager implements StorageManager on top of a Repository. Each store
// method derives the next snapshot from the one the caller holds, writes it
// with an optimistic version check and reads the result back.
type Manager struct {
	repo Repository
	now  func() time.Time
}

// NewManager creates a Manager. A nil clock uses time.Now in UTC.
func NewManager(repo Repository, clock func() time.Time) *Manager {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{repo: repo, now: clock}
}

// Repository returns the backend the manager writes through.
func (m *Manager) Repository() Repository { return m.repo }

func (m *Manager) Create(ctx context.Context, process *schema.Process, deployment *schema.Deployment, in CreateInput) (*schema.ProcessInstance, error) {
	if process == nil || deployment == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "create requires a process and a deployment")
	}
	now := m.now()
	label := in.Label
	if label == "" {
		label = process.Label
	}
	inst := &schema.ProcessInstance{
		ProcessInstanceID:    uuid.New().String(),
		ProcessDefinitionKey: process.ProcessDefinitionKey,
		DeploymentID:         deployment.DeploymentID,
		Label:                label,
		InitiatorID:          in.InitiatorID,
		ProcessStatus:        schema.ProcessStatusOpen,
		Data:                 withValueIDs(in.Data),
		Attachments:          m.stampAttachments(in.Attachments, in.InitiatorID),
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	sub := m.submissionFor(inst, in.Submission, inst.Data, inst.Attachments)
	if err := m.repo.InsertInstance(ctx, inst, sub); err != nil {
		return nil, err
	}
	return m.repo.GetInstance(ctx, inst.ProcessInstanceID)
}

func (m *Manager) Get(ctx context.Context, processInstanceID string) (*schema.ProcessInstance, error) {
	if processInstanceID == "" {
		return nil, schema.NewError(schema.ErrCodeInstanceNotFound, "process instance id is empty")
	}
	return m.repo.GetInstance(ctx, processInstanceID)
}

func (m *Manager) List(ctx context.Context, filter InstanceFilter) ([]*schema.ProcessInstance, error) {
	return m.repo.ListInstances(ctx, filter)
}

func (m *Manager) StoreOperation(ctx context.Context, inst *schema.ProcessInstance, result schema.OperationResult, op schema.Operation) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	return m.save(ctx, inst, inst.ApplyResult(result, m.stampOperation(op)), nil)
}

func (m *Manager) StoreTask(ctx context.Context, inst *schema.ProcessInstance, task schema.Task) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	if task.TaskInstanceID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "task instance id is empty")
	}
	task.ProcessInstanceID = inst.ProcessInstanceID
	if task.StartTime.IsZero() {
		task.StartTime = m.now()
	}
	return m.save(ctx, inst, inst.WithTask(task), nil)
}

func (m *Manager) StoreEngineID(ctx context.Context, inst *schema.ProcessInstance, engineID string) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	next := inst.Clone()
	next.EngineProcessInstanceID = engineID
	return m.save(ctx, inst, next, nil)
}

// StoreRequeue clears the task set and engine id and reopens the instance.
func (m *Manager) StoreRequeue(ctx context.Context, inst *schema.ProcessInstance, op schema.Operation) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	result := schema.OperationResult{
		Label:       inst.ApplicationStatus,
		NewStatus:   schema.ProcessStatusOpen,
		Explanation: inst.ApplicationStatusExplanation,
	}
	next := inst.ApplyResult(result, m.stampOperation(op)).WithoutTasks()
	next.EngineProcessInstanceID = ""
	return m.save(ctx, inst, next, nil)
}

// StoreQueued parks an instance whose engine start failed.
func (m *Manager) StoreQueued(ctx context.Context, inst *schema.ProcessInstance, reason string) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	next := inst.Clone()
	next.ProcessStatus = schema.ProcessStatusQueued
	next.ApplicationStatusExplanation = reason
	next.EngineProcessInstanceID = ""
	return m.save(ctx, inst, next, nil)
}

func (m *Manager) StoreSubmission(ctx context.Context, inst *schema.ProcessInstance, validation *schema.Validation) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	if validation == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "validation is nil")
	}
	var submitter string
	if validation.Submission != nil {
		submitter = validation.Submission.SubmitterID
	}
	data := withValueIDs(validation.Data)
	attachments := m.stampAttachments(validation.Attachments, submitter)
	next := inst.WithData(data).WithMessages(validation.Messages).WithAttachments(attachments...)
	return m.save(ctx, inst, next, m.submissionFor(inst, validation.Submission, data, attachments))
}

func (m *Manager) StoreValueRemoval(ctx context.Context, inst *schema.ProcessInstance, field, valueID string, sub *schema.Submission) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	next, ok := inst.WithoutValue(field, valueID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValueNotFound, "value %q not found in field %q", valueID, field).
			WithDetails(map[string]any{"field": field, "value_id": valueID})
	}
	return m.save(ctx, inst, next, m.submissionFor(inst, sub, nil, nil))
}

func (m *Manager) StoreAttachmentRemoval(ctx context.Context, inst *schema.ProcessInstance, attachmentID string, sub *schema.Submission) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	next, ok := inst.WithoutAttachment(attachmentID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAttachmentNotFound, "attachment %q not found", attachmentID)
	}
	return m.save(ctx, inst, next, m.submissionFor(inst, sub, nil, nil))
}

// Archive applies the final result, merges the closing data and marks the instance archived.
func (m *Manager) Archive(ctx context.Context, inst *schema.ProcessInstance, result schema.OperationResult, op schema.Operation, data map[string][]schema.Value) (*schema.ProcessInstance, error) {
	if inst == nil {
		return nil, errNilInstance()
	}
	next := inst.ApplyResult(result, m.stampOperation(op))
	if len(data) > 0 {
		next = next.WithData(withValueIDs(data))
	}
	now := m.now()
	next.Archived = true
	next.CompletedAt = &now
	return m.save(ctx, inst, next, nil)
}

func (m *Manager) save(ctx context.Context, base, next *schema.ProcessInstance, sub *schema.Submission) (*schema.ProcessInstance, error) {
	if base.Deleted {
		return nil, instanceNotFound(base.ProcessInstanceID)
	}
	next.UpdatedAt = m.now()
	if err := m.repo.UpdateInstance(ctx, next, base.Version, sub); err != nil {
		return nil, err
	}
	return m.repo.GetInstance(ctx, base.ProcessInstanceID)
}

func (m *Manager) stampOperation(op schema.Operation) schema.Operation {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = m.now()
	}
	return op
}

func (m *Manager) stampAttachments(in []schema.Attachment, userID string) []schema.Attachment {
	out := slices.Clone(in)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.New().String()
		}
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = m.now()
		}
		if out[i].UserID == "" {
			out[i].UserID = userID
		}
	}
	return out
}

// submissionFor completes a provenance record for a write against inst.
func (m *Manager) submissionFor(inst *schema.ProcessInstance, sub *schema.Submission, data map[string][]schema.Value, attachments []schema.Attachment) *schema.Submission {
	if sub == nil {
		return nil
	}
	cp := *sub
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.ProcessInstanceID = inst.ProcessInstanceID
	if cp.ProcessDefinitionKey == "" {
		cp.ProcessDefinitionKey = inst.ProcessDefinitionKey
	}
	if cp.SubmissionDate.IsZero() {
		cp.SubmissionDate = m.now()
	}
	if data != nil {
		cp.Data = schema.CloneData(data)
	}
	for _, a := range attachments {
		if !slices.Contains(cp.AttachmentIDs, a.ID) {
			cp.AttachmentIDs = append(cp.AttachmentIDs, a.ID)
		}
	}
	return &cp
}

// withValueIDs copies data, giving every value without an id a fresh one.
func withValueIDs(data map[string][]schema.Value) map[string][]schema.Value {
	out := schema.CloneData(data)
	for field, values := range out {
		for i := range values {
			if values[i].ID == "" {
				values[i].ID = uuid.New().String()
			}
		}
		out[field] = values
	}
	return out
}

func errNilInstance() error {
	return schema.NewError(schema.ErrCodeInvalidInput, "process instance is nil")
}

func instanceNotFound(id string) *schema.CaseError {
	return schema.NewErrorf(schema.ErrCodeInstanceNotFound, "process instance %q not found", id).
		WithDetails(map[string]any{"process_instance_id": id})
}

func staleInstance(id string, expected, actual int64) *schema.CaseError {
	return schema.NewErrorf(schema.ErrCodeStaleInstance,
		"process instance %q changed concurrently (expected version %d, stored %d)", id, expected, actual).
		WithDetails(map[string]any{"process_instance_id": id, "expected_version": expected, "stored_version": actual})
}

var _ StorageManager = (*Manager)(nil)
