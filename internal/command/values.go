package command

import (
	"context"
	"slices"

	"github.com/rendis/casework/pkg/schema"
)

// RemoveValue deletes one value from a data field. Values are matched by id;
// legacy values without one are matched by the hash of their content.
type RemoveValue struct {
	Binding
	Field   string
	ValueID string
}

func (c *RemoveValue) Name() string          { return "remove_value" }
func (c *RemoveValue) Kind() Kind            { return KindData }
func (c *RemoveValue) Description() string   { return "Remove a value of field " + c.Field }
func (c *RemoveValue) Needs() []Collaborator { return []Collaborator{NeedStore} }
func (c *RemoveValue) Authorize() error      { return authorizeDataChange(&c.Binding) }

func (c *RemoveValue) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	if c.Field == "" || c.ValueID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "field and value id are required")
	}
	if err := requireMutable(c.Instance); err != nil {
		return nil, err
	}
	stored, err := env.Store.StoreValueRemoval(ctx, c.Instance, c.Field, c.ValueID, newSubmission(&c.Binding, schema.ActionSave, env))
	if err != nil {
		return nil, err
	}
	c.Instance = stored
	return stored, nil
}

// UpdateValue replaces one value of a data field, keeping its id.
type UpdateValue struct {
	Binding
	Field   string
	ValueID string
	Value   schema.Value
}

func (c *UpdateValue) Name() string          { return "update_value" }
func (c *UpdateValue) Kind() Kind            { return KindData }
func (c *UpdateValue) Description() string   { return "Update a value of field " + c.Field }
func (c *UpdateValue) Needs() []Collaborator { return []Collaborator{NeedStore} }
func (c *UpdateValue) Authorize() error      { return authorizeDataChange(&c.Binding) }

func (c *UpdateValue) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	if err := requireMutable(c.Instance); err != nil {
		return nil, err
	}
	values := slices.Clone(c.Instance.Data[c.Field])
	idx := slices.IndexFunc(values, func(v schema.Value) bool { return v.Matches(c.ValueID) })
	if idx < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValueNotFound, "value %q not found in field %q", c.ValueID, c.Field).
			WithDetails(map[string]any{"field": c.Field, "value_id": c.ValueID})
	}
	next := c.Value
	next.ID = values[idx].ID
	values[idx] = next
	return storeValidation(ctx, env, &c.Binding, &schema.Validation{
		Submission: newSubmission(&c.Binding, schema.ActionSave, env),
		Data:       map[string][]schema.Value{c.Field: values},
	})
}

// UpdateData replaces whole fields of the instance data, with the messages
// produced while validating them.
type UpdateData struct {
	Binding
	Data     map[string][]schema.Value
	Messages map[string][]schema.Message
}

func (c *UpdateData) Name() string          { return "update_data" }
func (c *UpdateData) Kind() Kind            { return KindData }
func (c *UpdateData) Description() string   { return "Update data of process instance " + c.instanceID() }
func (c *UpdateData) Needs() []Collaborator { return []Collaborator{NeedStore} }
func (c *UpdateData) Authorize() error      { return authorizeDataChange(&c.Binding) }

func (c *UpdateData) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	if len(c.Data) == 0 && len(c.Messages) == 0 {
		return c.Instance, nil
	}
	if err := requireMutable(c.Instance); err != nil {
		return nil, err
	}
	return storeValidation(ctx, env, &c.Binding, &schema.Validation{
		Submission: newSubmission(&c.Binding, schema.ActionSave, env),
		Data:       c.Data,
		Messages:   c.Messages,
	})
}
