package expressions

import "context"

// Engine evaluates interceptor expressions against a command scope.
// Three implementations: CEL (default), Expr, and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
