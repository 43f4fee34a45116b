package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/pkg/schema"
)

// Operation names used for circuit breakers and logs.
const (
	OpStart         = "start"
	OpActivate      = "activate"
	OpSuspend       = "suspend"
	OpCancel        = "cancel"
	OpAssign        = "assign"
	OpCompleteTask  = "complete_task"
	OpFindTask      = "find_task"
	OpCreateSubTask = "create_sub_task"
	OpDeploy        = "deploy"
	OpFindExecution = "find_execution"
)

// GuardedEngine decorates an Engine with a circuit breaker per operation and
// retries for the operations that are safe to repeat.
type GuardedEngine struct {
	inner    Engine
	breakers *Breakers
	retry    RetryPolicy
	logger   *slog.Logger
}

// NewGuardedEngine wraps inner. A nil breakers registry uses the default config.
func NewGuardedEngine(inner Engine, breakers *Breakers, retry RetryPolicy, logger *slog.Logger) *GuardedEngine {
	if breakers == nil {
		breakers = NewBreakers(DefaultBreakerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedEngine{inner: inner, breakers: breakers, retry: retry, logger: logger}
}

// Breakers exposes the circuit registry.
func (g *GuardedEngine) Breakers() *Breakers { return g.breakers }

func guard[T any](ctx context.Context, g *GuardedEngine, op string, repeatable bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.breakers.Allow(op); err != nil {
		return zero, err
	}

	attempts := 1
	if repeatable && g.retry.MaxAttempts > 1 {
		attempts = g.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, g.retry.DelayFor(attempt-1)); err != nil {
				return zero, err
			}
		}
		out, err := fn(ctx)
		if err == nil {
			g.breakers.Success(op)
			return out, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
		g.logger.WarnContext(ctx, "engine call failed",
			slog.String("operation", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	if errors.Is(lastErr, context.Canceled) {
		return zero, lastErr
	}
	if g.breakers.Failure(op) == CircuitOpen {
		g.logger.ErrorContext(ctx, "engine circuit opened", slog.String("operation", op))
	}
	var ce *schema.CaseError
	if errors.As(lastErr, &ce) {
		return zero, lastErr
	}
	return zero, engineError("engine %s: %s", op, lastErr).WithCause(lastErr)
}

func (g *GuardedEngine) Start(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (string, error) {
	return guard(ctx, g, OpStart, false, func(ctx context.Context) (string, error) {
		return g.inner.Start(ctx, process, deployment, inst)
	})
}

func (g *GuardedEngine) Activate(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (bool, error) {
	return guard(ctx, g, OpActivate, true, func(ctx context.Context) (bool, error) {
		return g.inner.Activate(ctx, process, deployment, inst)
	})
}

func (g *GuardedEngine) Suspend(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (bool, error) {
	return guard(ctx, g, OpSuspend, true, func(ctx context.Context) (bool, error) {
		return g.inner.Suspend(ctx, process, deployment, inst)
	})
}

func (g *GuardedEngine) Cancel(ctx context.Context, process *schema.Process, deployment *schema.Deployment, inst *schema.ProcessInstance) (bool, error) {
	return guard(ctx, g, OpCancel, true, func(ctx context.Context) (bool, error) {
		return g.inner.Cancel(ctx, process, deployment, inst)
	})
}

func (g *GuardedEngine) Assign(ctx context.Context, process *schema.Process, deployment *schema.Deployment, task *schema.Task, assignee string) (bool, error) {
	return guard(ctx, g, OpAssign, true, func(ctx context.Context) (bool, error) {
		return g.inner.Assign(ctx, process, deployment, task, assignee)
	})
}

func (g *GuardedEngine) CompleteTask(ctx context.Context, process *schema.Process, deployment *schema.Deployment, taskID string, action schema.ActionType, validation *schema.Validation, principal *identity.Principal) (bool, error) {
	return guard(ctx, g, OpCompleteTask, false, func(ctx context.Context) (bool, error) {
		return g.inner.CompleteTask(ctx, process, deployment, taskID, action, validation, principal)
	})
}

func (g *GuardedEngine) FindTask(ctx context.Context, process *schema.Process, deployment *schema.Deployment, taskID string, activeOnly bool) (*schema.Task, error) {
	return guard(ctx, g, OpFindTask, true, func(ctx context.Context) (*schema.Task, error) {
		return g.inner.FindTask(ctx, process, deployment, taskID, activeOnly)
	})
}

func (g *GuardedEngine) CreateSubTask(ctx context.Context, process *schema.Process, deployment *schema.Deployment, parent *schema.Task, validation *schema.Validation) (*schema.Task, error) {
	return guard(ctx, g, OpCreateSubTask, false, func(ctx context.Context) (*schema.Task, error) {
		return g.inner.CreateSubTask(ctx, process, deployment, parent, validation)
	})
}

func (g *GuardedEngine) Deploy(ctx context.Context, process *schema.Process, deployment *schema.Deployment, content []byte) (*schema.Deployment, error) {
	return guard(ctx, g, OpDeploy, false, func(ctx context.Context) (*schema.Deployment, error) {
		return g.inner.Deploy(ctx, process, deployment, content)
	})
}

func (g *GuardedEngine) FindExecution(ctx context.Context, process *schema.Process, deployment *schema.Deployment, businessKey string) (string, error) {
	return guard(ctx, g, OpFindExecution, true, func(ctx context.Context) (string, error) {
		return g.inner.FindExecution(ctx, process, deployment, businessKey)
	})
}

var _ Engine = (*GuardedEngine)(nil)
