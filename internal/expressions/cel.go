package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/casework/pkg/schema"
)

// ScopeVariables are the top-level names every engine sees.
var ScopeVariables = []string{"command", "process", "instance", "principal"}

// CELEngine implements the Engine interface using Google's Common Expression Language.
// It is the default language for interceptor rules.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// The environment exposes the scope variables as map(string, dyn):
//   - command:   name, kind, and the command's own arguments
//   - process:   the process configuration
//   - instance:  the instance snapshot the command is bound to
//   - principal: the acting identity
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(ScopeVariables))
	for _, name := range ScopeVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return LangCEL
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided scope.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidExpression, "empty CEL expression")
	}

	prg, err := e.cache.getOrCompile(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, expressionError("CEL evaluation failed", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, expressionError("CEL compile error", expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, expressionError("CEL program error", expression, err)
	}
	return prg, nil
}

// buildActivation creates the evaluation activation map from the data.
// Missing keys default to empty maps to prevent CEL runtime nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(ScopeVariables))

	for _, key := range ScopeVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	return activation
}

func expressionError(prefix, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeInvalidExpression, "%s for %q: %s", prefix, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*CELEngine)(nil)
