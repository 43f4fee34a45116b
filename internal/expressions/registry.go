package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/casework/pkg/schema"
)

// Supported rule languages.
const (
	LangCEL  = "cel"
	LangExpr = "expr"
	LangJQ   = "jq"
)

// Registry resolves a rule language to its engine. The empty language is CEL.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates a registry holding the three built-in engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine, 3)}
	r.Register(celEngine)
	r.Register(NewExprEngine())
	r.Register(NewGoJQEngine())
	return r, nil
}

// Register adds or replaces an engine under its Name.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine for lang.
func (r *Registry) Get(lang string) (Engine, error) {
	if lang == "" {
		lang = LangCEL
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidExpression, "unsupported expression language %q", lang)
	}
	return e, nil
}

// EvaluateBool evaluates expression in lang and requires a boolean result.
// A jq program producing no output counts as false.
func (r *Registry) EvaluateBool(ctx context.Context, lang, expression string, data map[string]any) (bool, error) {
	e, err := r.Get(lang)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeInvalidExpression,
			"expression %q must evaluate to a boolean, got %s", expression, fmt.Sprintf("%T", out)).
			WithDetails(map[string]any{"expression": expression, "lang": e.Name()})
	}
}
