package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/casework/internal/catalog"
	"github.com/rendis/casework/internal/command"
	"github.com/rendis/casework/internal/engine"
	"github.com/rendis/casework/internal/expressions"
	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/scheduler"
	"github.com/rendis/casework/internal/store"
	"github.com/rendis/casework/internal/validation"
	casemcp "github.com/rendis/casework/pkg/mcp"
)

// app is the wired casework server.
type app struct {
	cfg       Config
	logger    *slog.Logger
	repo      store.Repository
	engine    *engine.MemoryEngine
	guarded   *engine.GuardedEngine
	directory *identity.StaticDirectory
	resources *catalog.Resources
	factory   *command.Factory
	sweeper   *scheduler.Sweeper
	watcher   *catalog.Watcher
	server    *casemcp.CaseServer
}

func openRepository(ctx context.Context, cfg Config) (store.Repository, error) {
	if cfg.InMemory {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	repo, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		engine:    engine.NewMemoryEngine(),
		directory: identity.NewStaticDirectory(),
		resources: catalog.NewResources(cfg.CatalogPath),
	}
	a.guarded = engine.NewGuardedEngine(a.engine,
		engine.NewBreakers(engine.BreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         time.Duration(cfg.BreakerCooldown),
		}),
		engine.RetryPolicy{
			MaxAttempts: cfg.EngineRetryMax,
			Delay:       time.Duration(cfg.EngineRetryDelay),
			Backoff:     engine.BackoffExponential,
		},
		logger,
	)

	registry, err := expressions.NewRegistry()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("expression registry: %w", err)
	}

	system := &identity.Principal{ID: cfg.SystemPrincipal, Type: identity.PrincipalTypeSystem}
	env := &command.Env{
		Engine:    a.guarded,
		Store:     store.NewManager(repo, nil),
		Processes: repo,
		Validator: validation.NewSubmissionValidator(),
		Directory: a.directory,
		Resources: a.resources,
		Logger:    logger,
	}
	audit := store.NewAuditLog(repo)
	a.factory = command.NewFactory(command.NewExecutor(env, audit, command.ExecutorConfig{
		Before: command.InterceptorHook(registry),
	}))
	a.engine.SetListener(command.NewEngineEvents(a.factory, system))

	a.sweeper, err = scheduler.NewSweeper(a.factory, scheduler.Config{
		Schedule:    cfg.RequeueSchedule,
		Concurrency: cfg.SweepConcurrency,
		System:      system,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.watcher = catalog.NewWatcher(cfg.CatalogPath, a.applyCatalog, logger)
	if err := a.watcher.Reload(ctx); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.close()
			return nil, err
		}
		logger.Warn("catalog directory not found; starting empty", slog.String("dir", cfg.CatalogPath))
	}
	if err := a.redeploy(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.server = casemcp.NewCaseServer(casemcp.ServerDeps{
		Factory:   a.factory,
		Audit:     audit,
		Directory: a.directory,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) applyCatalog(ctx context.Context, c *catalog.Catalog) error {
	if err := c.Apply(ctx, a.repo, a.directory); err != nil {
		return err
	}
	a.logger.Info("catalog applied",
		slog.Int("processes", len(c.Processes)),
		slog.Int("deployments", len(c.Deployments)),
		slog.Int("users", len(c.Users)),
	)
	return nil
}

// redeploy loads every deployment marked deployed into the in-process
// engine, which starts empty on each boot.
func (a *app) redeploy(ctx context.Context) error {
	processes, err := a.repo.ListProcesses(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	for _, p := range processes {
		deployments, err := a.repo.ListDeployments(ctx, p.ProcessDefinitionKey)
		if err != nil {
			return fmt.Errorf("list deployments of %q: %w", p.ProcessDefinitionKey, err)
		}
		for _, d := range deployments {
			if !d.Deployed {
				continue
			}
			content, err := a.resources.Load(ctx, d.ResourceName)
			if err == nil {
				_, err = a.guarded.Deploy(ctx, p, d, content)
			}
			if err != nil {
				a.logger.Warn("redeploy failed",
					slog.String("deployment_id", d.DeploymentID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// run serves MCP on stdio until ctx is done, with the sweeper and the
// catalog watcher alongside.
func (a *app) run(ctx context.Context) error {
	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}
	defer a.sweeper.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.WatchCatalog {
		g.Go(func() error {
			if err := a.watcher.Run(ctx); err != nil {
				a.logger.Error("catalog watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		// The client closing stdin ends the server.
		defer cancel()
		return a.server.Serve(ctx)
	})
	return g.Wait()
}

func (a *app) close() {
	a.engine.Close()
	if err := a.repo.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
