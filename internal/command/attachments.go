package command

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// Attach adds comments or files to an instance.
type Attach struct {
	Binding
	Attachments []schema.Attachment
}

func (c *Attach) Name() string          { return "attach" }
func (c *Attach) Kind() Kind            { return KindData }
func (c *Attach) Description() string   { return "Attach to process instance " + c.instanceID() }
func (c *Attach) Needs() []Collaborator { return []Collaborator{NeedStore} }
func (c *Attach) Authorize() error      { return authorizeDataChange(&c.Binding) }

func (c *Attach) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	if len(c.Attachments) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "no attachments given")
	}
	if err := requireMutable(c.Instance); err != nil {
		return nil, err
	}
	return storeValidation(ctx, env, &c.Binding, &schema.Validation{
		Submission:  newSubmission(&c.Binding, schema.ActionAttach, env),
		Attachments: c.Attachments,
	})
}

// Detach soft-deletes an attachment.
type Detach struct {
	Binding
	AttachmentID string
}

func (c *Detach) Name() string          { return "detach" }
func (c *Detach) Kind() Kind            { return KindData }
func (c *Detach) Description() string   { return "Detach " + c.AttachmentID + " from " + c.instanceID() }
func (c *Detach) Needs() []Collaborator { return []Collaborator{NeedStore} }
func (c *Detach) Authorize() error      { return authorizeDataChange(&c.Binding) }

func (c *Detach) Execute(ctx context.Context, env *Env) (*schema.ProcessInstance, error) {
	if err := requireMutable(c.Instance); err != nil {
		return nil, err
	}
	if _, ok := c.Instance.Attachment(c.AttachmentID); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAttachmentNotFound, "attachment %q not found", c.AttachmentID).
			WithDetails(map[string]any{"attachment_id": c.AttachmentID})
	}
	sub := newSubmission(&c.Binding, schema.ActionSave, env)
	sub.AttachmentIDs = []string{c.AttachmentID}
	stored, err := env.Store.StoreAttachmentRemoval(ctx, c.Instance, c.AttachmentID, sub)
	if err != nil {
		return nil, err
	}
	c.Instance = stored
	return stored, nil
}

// authorizeDataChange is the shared rule for data mutations: overseers and
// superusers, or a candidate or assignee of the task holding USER.
func authorizeDataChange(b *Binding) error {
	if err := requireAuthenticated(b); err != nil {
		return err
	}
	if err := requireInstance(b); err != nil {
		return err
	}
	return requireTaskActor(b)
}

func storeValidation(ctx context.Context, env *Env, b *Binding, v *schema.Validation) (*schema.ProcessInstance, error) {
	stored, err := env.Store.StoreSubmission(ctx, b.Instance, v)
	if err != nil {
		return nil, err
	}
	b.Instance = stored
	return stored, nil
}
