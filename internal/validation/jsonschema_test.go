package validation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/pkg/schema"
)

const permitSchema = `{
  "type": "object",
  "required": ["applicant", "email"],
  "properties": {
    "applicant": {"type": "string", "minLength": 2},
    "email": {"type": "string", "format": "email"},
    "category": {"type": "string", "enum": ["residential", "commercial"]},
    "tags": {"type": "array", "items": {"type": "string"}, "maxItems": 2}
  }
}`

func permitDeployment() *schema.Deployment {
	return &schema.Deployment{
		DeploymentID:               "dep-1",
		EngineProcessDefinitionKey: "permit-flow",
		Activities: []schema.Activity{
			{Key: "intake", Schema: json.RawMessage(permitSchema)},
			{Key: "review"},
		},
	}
}

func submission(action schema.ActionType, data map[string][]schema.Value) *schema.Submission {
	return &schema.Submission{ID: "sub-1", ProcessDefinitionKey: "permits", ActionType: action, Data: data}
}

func vals(s ...string) []schema.Value {
	out := make([]schema.Value, len(s))
	for i, v := range s {
		out[i] = schema.Value{Value: v}
	}
	return out
}

func TestValidateSubmission_Valid(t *testing.T) {
	v := NewSubmissionValidator()
	sub := submission(schema.ActionComplete, map[string][]schema.Value{
		"applicant": vals("Ada"),
		"email":     vals("ada@example.com"),
		"tags":      vals("urgent", "new"),
	})

	val, err := v.ValidateSubmission(context.Background(), permitDeployment(), "intake", sub, nil)
	require.NoError(t, err)
	assert.Same(t, sub, val.Submission)
	assert.Equal(t, "intake", val.ActivityKey)
	assert.Empty(t, val.Messages)
	assert.Equal(t, map[string]any{"applicant": "Ada", "email": "ada@example.com", "tags": "urgent"}, val.Variables())
}

func TestValidateSubmission_AssignsValueIDsWithoutMutatingInput(t *testing.T) {
	v := NewSubmissionValidator()
	data := map[string][]schema.Value{"note": vals("a", "b"), "kept": {{ID: "v-1", Value: "x"}}}

	val, err := v.ValidateSubmission(context.Background(), permitDeployment(), "review", submission(schema.ActionSave, data), nil)
	require.NoError(t, err)

	for _, value := range val.Data["note"] {
		assert.NotEmpty(t, value.ID)
	}
	assert.NotEqual(t, val.Data["note"][0].ID, val.Data["note"][1].ID)
	assert.Equal(t, "v-1", val.Data["kept"][0].ID)
	assert.Empty(t, data["note"][0].ID)
}

func TestValidateSubmission_ViolationsFailCompletion(t *testing.T) {
	v := NewSubmissionValidator()
	sub := submission(schema.ActionComplete, map[string][]schema.Value{
		"applicant": vals("A"),
		"category":  vals("industrial"),
	})

	val, err := v.ValidateSubmission(context.Background(), permitDeployment(), "intake", sub, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Equal(t, schema.KindBadRequest, schema.KindOf(err))

	require.NotNil(t, val)
	assert.Contains(t, val.Messages, "applicant")
	assert.Contains(t, val.Messages, "category")
	assert.Contains(t, val.Messages, "email", "missing required property keyed by its name")

	var ce *schema.CaseError
	require.ErrorAs(t, err, &ce)
	violations, ok := ce.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 3)
}

func TestValidateSubmission_SaveKeepsPartialData(t *testing.T) {
	v := NewSubmissionValidator()
	sub := submission(schema.ActionSave, map[string][]schema.Value{"applicant": vals("Ada")})

	val, err := v.ValidateSubmission(context.Background(), permitDeployment(), "intake", sub, nil)
	require.NoError(t, err)
	assert.Contains(t, val.Messages, "email")
	assert.Equal(t, "Ada", val.Data["applicant"][0].Value)
}

func TestValidateSubmission_ArrayFields(t *testing.T) {
	v := NewSubmissionValidator()
	sub := submission(schema.ActionValidate, map[string][]schema.Value{
		"applicant": vals("Ada"),
		"email":     vals("ada@example.com"),
		"tags":      vals("a", "b", "c"),
	})

	val, err := v.ValidateSubmission(context.Background(), permitDeployment(), "intake", sub, nil)
	require.Error(t, err)
	assert.Contains(t, val.Messages, "tags")
}

func TestValidateSubmission_NoSchema(t *testing.T) {
	v := NewSubmissionValidator()
	attachments := []schema.Attachment{{ID: "att-1"}}

	for _, key := range []string{"review", "unknown", ""} {
		val, err := v.ValidateSubmission(context.Background(), permitDeployment(), key, submission(schema.ActionComplete, nil), attachments)
		require.NoError(t, err, key)
		assert.Equal(t, attachments, val.Attachments)
	}

	_, err := v.ValidateSubmission(context.Background(), nil, "intake", submission(schema.ActionComplete, nil), nil)
	require.NoError(t, err)
}

func TestValidateSubmission_YAMLSchema(t *testing.T) {
	v := NewSubmissionValidator()
	dep := &schema.Deployment{Activities: []schema.Activity{{
		Key: "intake",
		SchemaYAML: map[string]any{
			"type":     "object",
			"required": []any{"name"},
		},
	}}}

	_, err := v.ValidateSubmission(context.Background(), dep, "intake", submission(schema.ActionComplete, nil), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateSubmission_InvalidSchemaIsMisconfigured(t *testing.T) {
	v := NewSubmissionValidator()
	dep := &schema.Deployment{Activities: []schema.Activity{{Key: "intake", Schema: json.RawMessage(`{"type": 12}`)}}}

	_, err := v.ValidateSubmission(context.Background(), dep, "intake", submission(schema.ActionComplete, nil), nil)
	require.Error(t, err)
	assert.Equal(t, schema.KindMisconfigured, schema.KindOf(err))
}

func TestValidateSubmission_NilAndCancelled(t *testing.T) {
	v := NewSubmissionValidator()
	_, err := v.ValidateSubmission(context.Background(), permitDeployment(), "intake", nil, nil)
	assert.Equal(t, schema.ErrCodeInvalidInput, schema.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.ValidateSubmission(ctx, permitDeployment(), "intake", submission(schema.ActionSave, nil), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidateSubmission_SchemaCaching(t *testing.T) {
	v := NewSubmissionValidator()
	sub := submission(schema.ActionSave, nil)
	for i := 0; i < 3; i++ {
		_, err := v.ValidateSubmission(context.Background(), permitDeployment(), "intake", sub, nil)
		require.NoError(t, err)
	}
	assert.Len(t, v.cache, 1)
}

func TestValidateSubmission_Concurrent(t *testing.T) {
	v := NewSubmissionValidator()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := submission(schema.ActionComplete, map[string][]schema.Value{
				"applicant": vals("Ada"),
				"email":     vals("ada@example.com"),
			})
			_, err := v.ValidateSubmission(context.Background(), permitDeployment(), "intake", sub, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
