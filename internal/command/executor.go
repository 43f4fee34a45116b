package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/lock"
	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/internal/store"
	"github.com/rendis/casework/pkg/schema"
)

// Invocation is what a before-hook sees of a command about to run.
type Invocation struct {
	Command    string
	Kind       Kind
	Principal  *identity.Principal
	Process    *schema.Process
	Deployment *schema.Deployment
	Instance   *schema.ProcessInstance
	Task       *schema.Task
}

// Hook runs before a command. A non-nil error aborts the command before
// any side effect; no CommandEvent is written for an aborted command.
type Hook func(ctx context.Context, inv Invocation) error

// Chain runs hooks in order and stops at the first error.
func Chain(hooks ...Hook) Hook {
	return func(ctx context.Context, inv Invocation) error {
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if err := h(ctx, inv); err != nil {
				return err
			}
		}
		return nil
	}
}

// ExecutorConfig holds optional executor settings.
type ExecutorConfig struct {
	Before Hook
	// Locks serializes commands per process instance. nil creates a private map.
	Locks *lock.MutexMap
}

// Executor runs commands: before-hook, collaborator resolution,
// authorization, per-instance serialization, execution and audit.
type Executor struct {
	env    *Env
	audit  store.AuditSink
	before Hook
	locks  *lock.MutexMap
	logger *slog.Logger
}

// NewExecutor creates an Executor bound to env. The env is owned by the
// executor from here on so nested commands run through the same instance.
func NewExecutor(env *Env, audit store.AuditSink, cfg ExecutorConfig) *Executor {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewMutexMap()
	}
	x := &Executor{
		env:    env,
		audit:  audit,
		before: cfg.Before,
		locks:  locks,
		logger: env.Logger,
	}
	env.exec = x
	return x
}

// Env returns the collaborator context commands run against.
func (x *Executor) Env() *Env { return x.env }

// Locks returns the per-instance lock map, shared with the engine event synchronizer.
func (x *Executor) Locks() *lock.MutexMap { return x.locks }

// Run executes cmd and records exactly one CommandEvent for it, unless the
// before-hook aborts it.
func Run[T any](ctx context.Context, x *Executor, cmd Command[T]) (out T, err error) {
	b := cmd.binding()

	if x.before != nil {
		if err := x.before(ctx, invocationOf(cmd)); err != nil {
			return out, err
		}
	}

	ctx = logging.WithIDs(ctx, b.instanceID(), b.taskID(), b.Principal.UserID())
	started := x.env.now()
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeInternal, "command %s panicked: %v", cmd.Name(), r)
		}
		x.record(ctx, cmd, started, err)
	}()

	if err = cmd.Authorize(); err != nil {
		return out, err
	}
	if err = x.resolve(cmd); err != nil {
		return out, err
	}

	if id := b.instanceID(); id != "" {
		var release func()
		ctx, release = x.locks.Acquire(ctx, id)
		defer release()
		if err = x.refresh(ctx, b); err != nil {
			return out, err
		}
		// The caller's snapshot may be stale; decide again on what is stored.
		if err = cmd.Authorize(); err != nil {
			return out, err
		}
	}

	out, err = cmd.Execute(ctx, x.env)
	if err != nil {
		logging.LogWith(ctx, x.logger).Debug("command failed",
			slog.String("command", cmd.Name()),
			slog.String("error", err.Error()),
		)
	}
	return out, err
}

func (x *Executor) resolve(cmd interface{ Needs() []Collaborator }) error {
	for _, c := range cmd.Needs() {
		if !x.env.has(c) {
			return missingCollaborator(c)
		}
	}
	return nil
}

// refresh replaces the bound instance and task with the stored snapshot so
// the command works on what is persisted, not on what the caller loaded.
// A task the instance has not recorded is looked up in the engine again.
func (x *Executor) refresh(ctx context.Context, b *Binding) error {
	if x.env.Store == nil {
		return nil
	}
	fresh, err := x.env.Store.Get(ctx, b.Instance.ProcessInstanceID)
	if err != nil {
		return err
	}
	b.Instance = fresh
	if b.Task == nil {
		return nil
	}
	taskID := b.Task.TaskInstanceID
	if t, ok := fresh.Task(taskID); ok {
		b.Task = t
		return nil
	}
	if x.env.Engine != nil {
		t, err := x.env.Engine.FindTask(ctx, b.Process, b.Deployment, taskID, false)
		if err != nil {
			return err
		}
		if t != nil && t.ProcessInstanceID == fresh.ProcessInstanceID {
			b.Task = t
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %q not found on process instance %q", taskID, fresh.ProcessInstanceID).
		WithDetails(map[string]any{"task_id": taskID, "process_instance_id": fresh.ProcessInstanceID})
}

func (x *Executor) record(ctx context.Context, cmd interface {
	Name() string
	Description() string
	binding() *Binding
}, started time.Time, err error) {
	if x.audit == nil {
		return
	}
	event := &schema.CommandEvent{
		Command:     cmd.Name(),
		Description: cmd.Description(),
		Context:     cmd.binding().Provider(),
		Completed:   err == nil,
		Timestamp:   started,
		DurationMs:  x.env.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		event.ErrorCode = schema.CodeOf(err)
		if event.ErrorCode == "" {
			event.ErrorCode = schema.ErrCodeInternal
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, x.logger).Error("audit sink panicked",
				slog.String("command", cmd.Name()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if serr := x.audit.SaveCommandEvent(context.WithoutCancel(ctx), event); serr != nil {
		logging.LogWith(ctx, x.logger).Error("failed to record command event",
			slog.String("command", cmd.Name()),
			slog.Bool("completed", event.Completed),
			slog.String("error", serr.Error()),
		)
	}
}

func invocationOf[T any](cmd Command[T]) Invocation {
	b := cmd.binding()
	return Invocation{
		Command:    cmd.Name(),
		Kind:       cmd.Kind(),
		Principal:  b.Principal,
		Process:    b.Process,
		Deployment: b.Deployment,
		Instance:   b.Instance,
		Task:       b.Task,
	}
}
