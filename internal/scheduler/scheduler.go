package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/casework/internal/command"
	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/internal/store"
	"github.com/rendis/casework/pkg/schema"
)

// DefaultSchedule runs the sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Config configures a Sweeper.
type Config struct {
	// Schedule is a five-field cron expression. Empty uses DefaultSchedule.
	Schedule string
	// Concurrency bounds the instances handled at once per sweep.
	Concurrency int
	// System is the principal the sweeps act as.
	System *identity.Principal
}

// Report counts what one sweep did.
type Report struct {
	Requeued   int
	Reconciled int
	Failed     int
}

// Sweeper periodically requeues QUEUED instances and recovers engine ids
// that were lost after a successful engine start.
type Sweeper struct {
	factory  *command.Factory
	system   *identity.Principal
	schedule cron.Schedule
	limit    int
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // instance ids being swept (dedup)
}

// NewSweeper creates a Sweeper over the factory's collaborators.
func NewSweeper(f *command.Factory, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.System == nil || !cfg.System.IsSystem() {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "sweeper requires a system principal")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "parse sweep schedule %q: %s", spec, err.Error()).WithCause(err)
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		factory:  f,
		system:   cfg.System,
		schedule: schedule,
		limit:    limit,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	for {
		timer := time.NewTimer(time.Until(s.NextRun(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	if report != (Report{}) {
		s.logger.Info("sweep finished",
			slog.Int("requeued", report.Requeued),
			slog.Int("reconciled", report.Reconciled),
			slog.Int("failed", report.Failed),
		)
	}
}

// NextRun returns the first sweep time after from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stop gracefully shuts down the loop.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}

// Sweep runs the reconcile pass and then the requeue pass once.
// Per-instance failures are logged and counted, not returned.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var failed atomic.Int64
	reconciled, err := s.forEach(ctx, store.InstanceFilter{MissingEngineID: true}, &failed, s.reconcile)
	if err != nil {
		return Report{}, err
	}
	queued := schema.ProcessStatusQueued
	requeued, err := s.forEach(ctx, store.InstanceFilter{Status: &queued}, &failed, s.requeue)
	if err != nil {
		return Report{}, err
	}
	return Report{Requeued: requeued, Reconciled: reconciled, Failed: int(failed.Load())}, nil
}

// forEach runs fn for every matching instance with bounded concurrency and
// returns how many calls reported a change.
func (s *Sweeper) forEach(ctx context.Context, filter store.InstanceFilter, failed *atomic.Int64, fn func(context.Context, *schema.ProcessInstance) (bool, error)) (int, error) {
	st := s.factory.Executor().Env().Store
	instances, err := st.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}

	var changed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, inst := range instances {
		if !s.tryAcquire(inst.ProcessInstanceID) {
			continue
		}
		g.Go(func() error {
			defer s.release(inst.ProcessInstanceID)
			ictx := logging.WithInstanceID(gctx, inst.ProcessInstanceID)
			ok, err := fn(ictx, inst)
			if err != nil {
				failed.Add(1)
				logging.LogWith(ictx, s.logger).Warn("sweep of instance failed",
					slog.String("status", string(inst.ProcessStatus)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if ok {
				changed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(changed.Load()), err
	}
	return int(changed.Load()), ctx.Err()
}

func (s *Sweeper) requeue(ctx context.Context, inst *schema.ProcessInstance) (bool, error) {
	if _, err := s.factory.Requeue(ctx, s.system, inst.ProcessInstanceID, "requeued by sweep"); err != nil {
		return false, err
	}
	return true, nil
}

// reconcile looks the execution up by business key and records its id.
func (s *Sweeper) reconcile(ctx context.Context, inst *schema.ProcessInstance) (bool, error) {
	x := s.factory.Executor()
	env := x.Env()
	if env.Engine == nil {
		return false, schema.NewError(schema.ErrCodeCollaboratorMissing, "no engine configured")
	}
	b, err := s.factory.BindInstance(ctx, s.system, inst.ProcessInstanceID)
	if err != nil {
		return false, err
	}
	executionID, err := env.Engine.FindExecution(ctx, b.Process, b.Deployment, inst.ProcessInstanceID)
	if err != nil {
		return false, err
	}
	if executionID == "" {
		logging.LogWith(ctx, s.logger).Debug("no running execution for instance")
		return false, nil
	}

	ctx, release := x.Locks().Acquire(ctx, inst.ProcessInstanceID)
	defer release()
	fresh, err := env.Store.Get(ctx, inst.ProcessInstanceID)
	if err != nil {
		return false, err
	}
	if fresh.ProcessStatus != schema.ProcessStatusOpen || fresh.EngineProcessInstanceID != "" {
		return false, nil
	}
	if _, err := env.Store.StoreEngineID(ctx, fresh, executionID); err != nil {
		return false, err
	}
	logging.LogWith(ctx, s.logger).Info("recovered engine id", slog.String("engine_process_instance_id", executionID))
	return true, nil
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
