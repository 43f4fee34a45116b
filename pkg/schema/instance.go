package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// ProcessInstance is the aggregate root mutated by commands.
// Values are treated as immutable: every With* helper returns a new snapshot.
type ProcessInstance struct {
	ProcessInstanceID            string               `json:"process_instance_id"`
	EngineProcessInstanceID      string               `json:"engine_process_instance_id,omitempty"`
	ProcessDefinitionKey         string               `json:"process_definition_key"`
	DeploymentID                 string               `json:"deployment_id"`
	Label                        string               `json:"label,omitempty"`
	InitiatorID                  string               `json:"initiator_id,omitempty"`
	ProcessStatus                ProcessStatus        `json:"process_status"`
	ApplicationStatus            string               `json:"application_status,omitempty"`
	ApplicationStatusExplanation string               `json:"application_status_explanation,omitempty"`
	PreviousApplicationStatus    string               `json:"previous_application_status,omitempty"`
	Data                         map[string][]Value   `json:"data,omitempty"`
	Messages                     map[string][]Message `json:"messages,omitempty"`
	Attachments                  []Attachment         `json:"attachments,omitempty"`
	Tasks                        []Task               `json:"tasks,omitempty"`
	Operations                   []Operation          `json:"operations,omitempty"`
	Deleted                      bool                 `json:"deleted,omitempty"`
	Archived                     bool                 `json:"archived,omitempty"`
	Version                      int64                `json:"version"`
	CreatedAt                    time.Time            `json:"created_at"`
	UpdatedAt                    time.Time            `json:"updated_at"`
	CompletedAt                  *time.Time           `json:"completed_at,omitempty"`
}

// Task is a unit of engine-tracked work owned by a process instance.
type Task struct {
	TaskInstanceID       string     `json:"task_instance_id"`
	TaskDefinitionKey    string     `json:"task_definition_key"`
	Label                string     `json:"label,omitempty"`
	ProcessInstanceID    string     `json:"process_instance_id"`
	ParentTaskID         string     `json:"parent_task_id,omitempty"`
	Active               bool       `json:"active"`
	Assignee             string     `json:"assignee,omitempty"`
	CandidateAssigneeIDs []string   `json:"candidate_assignee_ids,omitempty"`
	StartTime            time.Time  `json:"start_time"`
	EndTime              *time.Time `json:"end_time,omitempty"`
}

// IsCandidateOrAssignee reports whether the user, directly or through one of
// the groups, owns or may claim the task.
func (t *Task) IsCandidateOrAssignee(userID string, groupIDs []string) bool {
	if t == nil || userID == "" {
		return false
	}
	if t.Assignee == userID {
		return true
	}
	for _, c := range t.CandidateAssigneeIDs {
		if c == userID || slices.Contains(groupIDs, c) {
			return true
		}
	}
	return false
}

// Operation is an immutable audit record appended to a process instance.
type Operation struct {
	ID           string        `json:"id"`
	Type         OperationType `json:"type"`
	Reason       string        `json:"reason,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	ActingUserID string        `json:"acting_user_id,omitempty"`
}

// OperationResult is the status delta produced by a lifecycle command.
type OperationResult struct {
	// Label is the new application status.
	Label string `json:"label"`
	// PreviousStatus is remembered for a later undo; empty leaves the stored value untouched.
	PreviousStatus string        `json:"previous_status,omitempty"`
	NewStatus      ProcessStatus `json:"new_status"`
	Explanation    string        `json:"explanation,omitempty"`
}

// Value is one entry of a data field. File values carry a location.
type Value struct {
	ID          string `json:"id,omitempty"`
	Value       string `json:"value,omitempty"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Location    string `json:"location,omitempty"`
}

// IsFile reports whether the value references stored content.
func (v Value) IsFile() bool {
	return v.Location != ""
}

// ContentHash identifies legacy values that were stored without an id.
func (v Value) ContentHash() string {
	sum := sha256.Sum256([]byte(v.Value))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether id identifies this value.
func (v Value) Matches(id string) bool {
	if v.ID != "" {
		return v.ID == id
	}
	return v.ContentHash() == id
}

// Message is a field-level note produced while validating a submission.
type Message struct {
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
}

// Attachment is a comment or file attached to an instance. Detached attachments are soft-deleted.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Location    string    `json:"location,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Submission records who changed instance data, when, and through which action.
type Submission struct {
	ID                   string             `json:"id"`
	ProcessDefinitionKey string             `json:"process_definition_key"`
	ProcessInstanceID    string             `json:"process_instance_id,omitempty"`
	TaskID               string             `json:"task_id,omitempty"`
	ActionType           ActionType         `json:"action_type"`
	SubmitterID          string             `json:"submitter_id,omitempty"`
	SubmissionDate       time.Time          `json:"submission_date"`
	Data                 map[string][]Value `json:"data,omitempty"`
	AttachmentIDs        []string           `json:"attachment_ids,omitempty"`
}

// Validation is the result of checking a submission against an activity.
type Validation struct {
	Submission  *Submission          `json:"submission,omitempty"`
	ActivityKey string               `json:"activity_key,omitempty"`
	Data        map[string][]Value   `json:"data,omitempty"`
	Messages    map[string][]Message `json:"messages,omitempty"`
	Attachments []Attachment         `json:"attachments,omitempty"`
}

// Variables flattens the validated data into engine variables (first value per field).
func (v *Validation) Variables() map[string]any {
	out := make(map[string]any)
	if v == nil {
		return out
	}
	for k, vals := range v.Data {
		if len(vals) > 0 {
			out[k] = vals[0].Value
		}
	}
	return out
}

// --- Snapshot helpers ---

// Clone returns a deep copy of the instance.
func (p *ProcessInstance) Clone() *ProcessInstance {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Data = cloneData(p.Data)
	if p.Messages != nil {
		cp.Messages = make(map[string][]Message, len(p.Messages))
		for k, v := range p.Messages {
			cp.Messages[k] = slices.Clone(v)
		}
	}
	cp.Attachments = slices.Clone(p.Attachments)
	cp.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		t.CandidateAssigneeIDs = slices.Clone(t.CandidateAssigneeIDs)
		cp.Tasks[i] = t
	}
	if p.Tasks == nil {
		cp.Tasks = nil
	}
	cp.Operations = slices.Clone(p.Operations)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Task returns the task with the given id.
func (p *ProcessInstance) Task(taskID string) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].TaskInstanceID == taskID {
			t := p.Tasks[i]
			return &t, true
		}
	}
	return nil, false
}

// ActiveTasks returns the tasks still awaiting work.
func (p *ProcessInstance) ActiveTasks() []Task {
	var out []Task
	for _, t := range p.Tasks {
		if t.Active {
			out = append(out, t)
		}
	}
	return out
}

// Attachment returns the live attachment with the given id.
func (p *ProcessInstance) Attachment(id string) (Attachment, bool) {
	for _, a := range p.Attachments {
		if a.ID == id && !a.Deleted {
			return a, true
		}
	}
	return Attachment{}, false
}

// ApplyResult returns a snapshot with the lifecycle delta and the operation appended.
func (p *ProcessInstance) ApplyResult(result OperationResult, op Operation) *ProcessInstance {
	cp := p.Clone()
	cp.ProcessStatus = result.NewStatus
	cp.ApplicationStatus = result.Label
	cp.ApplicationStatusExplanation = result.Explanation
	if result.PreviousStatus != "" {
		cp.PreviousApplicationStatus = result.PreviousStatus
	}
	cp.Operations = append(cp.Operations, op)
	return cp
}

// WithTask returns a snapshot where the task replaces any task with the same id, or is appended.
func (p *ProcessInstance) WithTask(task Task) *ProcessInstance {
	cp := p.Clone()
	for i := range cp.Tasks {
		if cp.Tasks[i].TaskInstanceID == task.TaskInstanceID {
			cp.Tasks[i] = task
			return cp
		}
	}
	cp.Tasks = append(cp.Tasks, task)
	return cp
}

// WithoutTasks returns a snapshot with an empty task set.
func (p *ProcessInstance) WithoutTasks() *ProcessInstance {
	cp := p.Clone()
	cp.Tasks = nil
	return cp
}

// WithData returns a snapshot where each given field replaces the stored field.
func (p *ProcessInstance) WithData(data map[string][]Value) *ProcessInstance {
	cp := p.Clone()
	if cp.Data == nil {
		cp.Data = make(map[string][]Value, len(data))
	}
	for k, v := range data {
		cp.Data[k] = slices.Clone(v)
	}
	return cp
}

// WithMessages returns a snapshot where each given field's messages replace the stored ones.
func (p *ProcessInstance) WithMessages(messages map[string][]Message) *ProcessInstance {
	cp := p.Clone()
	if len(messages) == 0 {
		return cp
	}
	if cp.Messages == nil {
		cp.Messages = make(map[string][]Message, len(messages))
	}
	for k, v := range messages {
		cp.Messages[k] = slices.Clone(v)
	}
	return cp
}

// WithoutValue returns a snapshot with the identified value removed from the field.
// The second result is false when no value matched.
func (p *ProcessInstance) WithoutValue(field, valueID string) (*ProcessInstance, bool) {
	values := p.Data[field]
	idx := slices.IndexFunc(values, func(v Value) bool { return v.Matches(valueID) })
	if idx < 0 {
		return p, false
	}
	cp := p.Clone()
	cp.Data[field] = slices.Delete(cp.Data[field], idx, idx+1)
	return cp, true
}

// WithAttachments returns a snapshot with the attachments appended.
func (p *ProcessInstance) WithAttachments(attachments ...Attachment) *ProcessInstance {
	cp := p.Clone()
	cp.Attachments = append(cp.Attachments, attachments...)
	return cp
}

// WithoutAttachment returns a snapshot where the attachment is soft-deleted.
func (p *ProcessInstance) WithoutAttachment(id string) (*ProcessInstance, bool) {
	for i, a := range p.Attachments {
		if a.ID == id && !a.Deleted {
			cp := p.Clone()
			cp.Attachments[i].Deleted = true
			return cp, true
		}
	}
	return p, false
}

func cloneData(data map[string][]Value) map[string][]Value {
	if data == nil {
		return nil
	}
	out := make(map[string][]Value, len(data))
	for k, v := range data {
		out[k] = slices.Clone(v)
	}
	return out
}

// CloneData returns a deep copy of a data map.
func CloneData(data map[string][]Value) map[string][]Value {
	return cloneData(data)
}
