package command

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/rendis/casework/internal/expressions"
	"github.com/rendis/casework/pkg/schema"
)

// InterceptorHook evaluates the bound process's interceptor rules before a
// command runs. The first rule that evaluates to true rejects the command.
// Rules that fail to evaluate block the command as misconfigured.
func InterceptorHook(registry *expressions.Registry) Hook {
	return func(ctx context.Context, inv Invocation) error {
		if inv.Process == nil || len(inv.Process.Interceptors) == 0 {
			return nil
		}
		vars, err := interceptorScope(inv)
		if err != nil {
			return err
		}

		var errs error
		for _, rule := range inv.Process.Interceptors {
			if !rule.AppliesTo(inv.Command) {
				continue
			}
			hit, err := registry.EvaluateBool(ctx, rule.Lang, rule.When, vars)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("interceptor %q: %w", rule.Name, err))
				continue
			}
			if hit {
				msg := rule.Reject
				if msg == "" {
					msg = fmt.Sprintf("rejected by interceptor %q", rule.Name)
				}
				return schema.NewError(schema.ErrCodeInterceptorRejected, msg).
					WithDetails(map[string]any{"interceptor": rule.Name, "command": inv.Command})
			}
		}
		if errs != nil {
			failures := multierr.Errors(errs)
			msgs := make([]string, len(failures))
			for i, e := range failures {
				msgs[i] = e.Error()
			}
			return schema.NewErrorf(schema.ErrCodeInvalidExpression,
				"%d interceptor rule(s) of process %q failed to evaluate", len(failures), inv.Process.ProcessDefinitionKey).
				WithDetails(map[string]any{"errors": msgs}).
				WithCause(errs)
		}
		return nil
	}
}

func interceptorScope(inv Invocation) (map[string]any, error) {
	scope := expressions.NewScope()
	command := map[string]any{"name": inv.Command, "kind": string(inv.Kind)}
	if inv.Task != nil {
		command["task_id"] = inv.Task.TaskInstanceID
		command["task_key"] = inv.Task.TaskDefinitionKey
	}
	if err := scope.Set("command", command); err != nil {
		return nil, err
	}
	if err := scope.Set("process", inv.Process); err != nil {
		return nil, err
	}
	var inst any
	if inv.Instance != nil {
		inst = inv.Instance
	}
	if err := scope.Set("instance", inst); err != nil {
		return nil, err
	}
	principal := map[string]any{"id": "", "anonymous": true, "groups": []any{}}
	if p := inv.Principal; p != nil && p.ID != "" {
		groups := make([]any, len(p.Groups))
		for i, g := range p.Groups {
			groups[i] = g
		}
		principal = map[string]any{"id": p.ID, "anonymous": false, "system": p.IsSystem(), "groups": groups}
	}
	if err := scope.Set("principal", principal); err != nil {
		return nil, err
	}
	return scope.Vars(), nil
}
