package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/casework/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. Rules
// written in expr can use nil coalescing (??), optional chaining (?.) and
// the array builtins (any, all, filter, count).
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return LangExpr
}

// Evaluate runs the expression with the scope variables as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidExpression, "empty expr expression")
	}

	prg, err := e.cache.getOrCompile(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, buildActivation(data))
	if err != nil {
		return nil, expressionError("expr evaluation failed", expression, err)
	}
	return out, nil
}

// compileExpr compiles against an environment carrying only the scope
// variables so programs do not depend on the first caller's data shape.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(buildActivation(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, expressionError("expr compile error", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
