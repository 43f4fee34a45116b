package expressions

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rendis/casework/pkg/schema"
)

// Scope collects the variables an interceptor rule is evaluated against.
// Values are converted to their JSON form on insert, so later mutation of
// the source snapshot does not leak into the scope.
type Scope struct {
	vars map[string]any
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]any, len(ScopeVariables))}
}

// Set stores v under one of the scope variable names. nil stores an empty map.
func (s *Scope) Set(name string, v any) error {
	if !slices.Contains(ScopeVariables, name) {
		return schema.NewErrorf(schema.ErrCodeInvalidInput, "unknown scope variable %q", name)
	}
	m, err := toMap(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidInput, "scope variable %q: %s", name, err.Error()).WithCause(err)
	}
	s.vars[name] = m
	return nil
}

// MustSet is Set for values known to encode as JSON objects.
func (s *Scope) MustSet(name string, v any) *Scope {
	if err := s.Set(name, v); err != nil {
		panic(err)
	}
	return s
}

// Vars returns a deep copy of the scope as engine input.
func (s *Scope) Vars() map[string]any {
	return deepCopyMap(s.vars)
}

// toMap converts a struct or map to its JSON object form.
func toMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	if m, ok := v.(map[string]any); ok {
		return deepCopyMap(m), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return out, nil
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
