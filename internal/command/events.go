package command

import (
	"context"
	"log/slog"

	"github.com/rendis/casework/internal/engine"
	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/pkg/schema"
)

// EngineEvents mirrors engine notifications into storage. Task changes are
// copied onto the owning instance; an ended execution completes it.
type EngineEvents struct {
	factory *Factory
	system  *identity.Principal
	logger  *slog.Logger
}

// NewEngineEvents creates the listener. system is the principal completions run as.
func NewEngineEvents(f *Factory, system *identity.Principal) *EngineEvents {
	return &EngineEvents{factory: f, system: system, logger: f.x.logger}
}

// TaskChanged stores the engine's task snapshot on the instance named by businessKey.
func (s *EngineEvents) TaskChanged(ctx context.Context, businessKey string, task schema.Task) {
	x := s.factory.x
	ctx = logging.WithIDs(ctx, businessKey, task.TaskInstanceID, "")
	log := logging.LogWith(ctx, s.logger)

	ctx, release := x.locks.Acquire(ctx, businessKey)
	defer release()

	inst, err := x.env.Store.Get(ctx, businessKey)
	if err != nil {
		log.Warn("task change for unknown instance", slog.String("error", err.Error()))
		return
	}
	if inst.Archived {
		return
	}
	if _, err := x.env.Store.StoreTask(ctx, inst, task); err != nil {
		log.Error("failed to store engine task", slog.String("error", err.Error()))
	}
}

// ExecutionEnded runs Completion for the instance named by businessKey.
// Instances that are no longer open (cancelled, already complete) are left alone.
func (s *EngineEvents) ExecutionEnded(ctx context.Context, businessKey string) {
	ctx = logging.WithInstanceID(ctx, businessKey)
	log := logging.LogWith(ctx, s.logger)

	b, err := s.factory.BindInstance(ctx, s.system, businessKey)
	if err != nil {
		log.Warn("execution ended for unknown instance", slog.String("error", err.Error()))
		return
	}
	if b.Instance.ProcessStatus != schema.ProcessStatusOpen {
		log.Debug("execution ended; instance not open", slog.String("status", string(b.Instance.ProcessStatus)))
		return
	}
	if _, err := Run(ctx, s.factory.x, &Completion{Binding: b, Explanation: "execution ended"}); err != nil {
		log.Error("failed to complete instance", slog.String("error", err.Error()))
	}
}

var _ engine.Listener = (*EngineEvents)(nil)
