package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/casework/pkg/schema"
)

// compiledSchema is an activity schema ready for validation.
type compiledSchema struct {
	schema *jsonschema.Schema
	// arrayFields lists the top-level properties declared as arrays; every
	// other field is validated as its first value.
	arrayFields map[string]bool
}

// SubmissionValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type SubmissionValidator struct {
	mu    sync.RWMutex
	cache map[string]*compiledSchema
}

// NewSubmissionValidator creates a SubmissionValidator with an empty schema cache.
func NewSubmissionValidator() *SubmissionValidator {
	return &SubmissionValidator{cache: make(map[string]*compiledSchema)}
}

// ValidateSubmission builds the Validation for a submission to the activity.
//
// Values without an id receive one. Schema violations become per-field
// messages. For COMPLETE, REJECT and VALIDATE they also fail the call with
// validation_failed; SAVE and ATTACH keep partial data and only report
// messages. The returned Validation is non-nil whenever the submission itself
// is usable, including on validation_failed.
func (v *SubmissionValidator) ValidateSubmission(ctx context.Context, deployment *schema.Deployment, activityKey string, sub *schema.Submission, attachments []schema.Attachment) (*schema.Validation, error) {
	if sub == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "submission is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	val := &schema.Validation{
		Submission:  sub,
		ActivityKey: activityKey,
		Data:        withValueIDs(sub.Data),
		Attachments: attachments,
	}

	raw, err := activitySchema(deployment, activityKey)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return val, nil
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMisconfigured, "activity %q has an invalid schema", activityKey).
			WithCause(err).
			WithDetails(map[string]any{"activity": activityKey})
	}

	doc, err := toJSONValue(documentFor(val.Data, compiled.arrayFields))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "failed to serialize submission").WithCause(err)
	}

	verr := compiled.schema.Validate(doc)
	if verr == nil {
		return val, nil
	}

	val.Messages = fieldMessages(verr)
	switch sub.ActionType {
	case schema.ActionSave, schema.ActionAttach:
		return val, nil
	}
	return val, toCaseError(verr)
}

// CompileSchema checks that raw is a usable activity schema.
func (v *SubmissionValidator) CompileSchema(raw []byte) error {
	_, err := v.getOrCompile(raw)
	return err
}

// activitySchema returns the JSON form of the activity's schema, if any.
func activitySchema(deployment *schema.Deployment, activityKey string) ([]byte, error) {
	if deployment == nil || activityKey == "" {
		return nil, nil
	}
	activity, ok := deployment.Activity(activityKey)
	if !ok {
		return nil, nil
	}
	if len(activity.Schema) > 0 {
		return activity.Schema, nil
	}
	if len(activity.SchemaYAML) > 0 {
		b, err := json.Marshal(activity.SchemaYAML)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeMisconfigured, "activity %q schema is not JSON compatible", activityKey).WithCause(err)
		}
		return b, nil
	}
	return nil, nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SubmissionValidator) getOrCompile(schemaBytes []byte) (*compiledSchema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("casework://activity-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	cs := &compiledSchema{schema: compiled, arrayFields: arrayProperties(doc)}
	v.cache[key] = cs
	return cs, nil
}

// arrayProperties reads the top-level property types from a schema document.
func arrayProperties(doc any) map[string]bool {
	out := make(map[string]bool)
	root, ok := doc.(map[string]any)
	if !ok {
		return out
	}
	props, _ := root["properties"].(map[string]any)
	for name, p := range props {
		prop, _ := p.(map[string]any)
		switch t := prop["type"].(type) {
		case string:
			out[name] = t == "array"
		case []any:
			for _, x := range t {
				if x == "array" {
					out[name] = true
				}
			}
		}
	}
	return out
}

// documentFor shapes submitted values into the instance document the schema sees.
func documentFor(data map[string][]schema.Value, arrayFields map[string]bool) map[string]any {
	doc := make(map[string]any, len(data))
	for field, values := range data {
		if arrayFields[field] {
			items := make([]any, len(values))
			for i, val := range values {
				items[i] = val.Value
			}
			doc[field] = items
			continue
		}
		if len(values) > 0 {
			doc[field] = values[0].Value
		}
	}
	return doc
}

// withValueIDs copies data, assigning an id to every value that lacks one.
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

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toCaseError converts a jsonschema.ValidationError into a CaseError listing every violation.
func toCaseError(err error) *schema.CaseError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0].String()).
			WithDetails(map[string]any{"violations": violationStrings(violations)})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violationStrings(violations)})
}

var printer = message.NewPrinter(language.English)

type violation struct {
	location []string
	message  string
	// missing names the absent properties of a "required" violation.
	missing []string
}

func (v violation) String() string {
	return fmt.Sprintf("/%s: %s", strings.Join(v.location, "/"), v.message)
}

// field is the top-level property the violation belongs to, or "" for the root.
func (v violation) field() string {
	if len(v.location) == 0 {
		return ""
	}
	return v.location[0]
}

// collectViolations walks a ValidationError tree and collects leaf errors
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		v := violation{location: verr.InstanceLocation, message: verr.ErrorKind.LocalizedString(printer)}
		if req, ok := verr.ErrorKind.(*kind.Required); ok {
			v.missing = req.Missing
		}
		return []violation{v}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func violationStrings(vs []violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// fieldMessages groups violations by top-level field. Root-level violations
// (such as missing required properties) are keyed by the property they name
// when it can be determined, else by "".
func fieldMessages(err error) map[string][]schema.Message {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return map[string][]schema.Message{"": {{Text: err.Error(), Type: "error"}}}
	}
	out := make(map[string][]schema.Message)
	for _, v := range collectViolations(verr) {
		fields := []string{v.field()}
		if v.field() == "" && len(v.missing) > 0 {
			fields = v.missing
		}
		for _, f := range fields {
			out[f] = append(out[f], schema.Message{Text: v.message, Type: "error"})
		}
	}
	for _, msgs := range out {
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Text < msgs[j].Text })
	}
	return out
}
