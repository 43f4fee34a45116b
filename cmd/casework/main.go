package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rendis/casework/internal/catalog"
	"github.com/rendis/casework/internal/logging"
	"github.com/rendis/casework/pkg/schema"
)

const usage = `usage: casework <command> [flags]

commands:
  serve     run the MCP server on stdio (default)
  check     validate a catalog directory
  reload    ask a running server to reload settings and catalog
  version   print the version
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "check":
		os.Exit(runCheck(args))
	case "reload":
		if !signalRunningServer() {
			fmt.Fprintln(os.Stderr, "No running casework server found")
			os.Exit(1)
		}
	case "version":
		printVersion()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	catalogPath := fs.String("catalog", "", "catalog directory (overrides settings)")
	inMemory := fs.Bool("memory", false, "keep all state in memory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if *inMemory {
		cfg.InMemory = true
	}

	// stdout carries the MCP protocol; logs go to stderr.
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.close()

	if err := writePID(); err != nil {
		logger.Warn("cannot write pid file", slog.String("error", err.Error()))
	}
	defer os.Remove(pidPath())

	go a.watchReloads(ctx, level)

	logger.Info("casework started",
		slog.String("version", version),
		slog.String("catalog", cfg.CatalogPath),
		slog.Bool("in_memory", cfg.InMemory),
	)
	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("casework stopped")
	return 0
}

// watchReloads re-reads settings and the catalog on SIGHUP. Only the log
// level and the catalog take effect without a restart.
func (a *app) watchReloads(ctx context.Context, level *slog.LevelVar) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := loadConfig()
		if err != nil {
			a.logger.Error("reload settings failed", slog.String("error", err.Error()))
			continue
		}
		// Flags given at startup stay in force.
		next.CatalogPath, next.InMemory = a.cfg.CatalogPath, a.cfg.InMemory

		d := diffConfigs(a.cfg, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			a.logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(d.RestartNeeded) > 0 {
			a.logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
		}
		a.cfg.LogLevel = next.LogLevel

		if err := a.watcher.Reload(ctx); err != nil {
			a.logger.Error("catalog reload failed; keeping previous catalog", slog.String("error", err.Error()))
		}
	}
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	dir := fs.Arg(0)
	if dir == "" {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		dir = cfg.CatalogPath
	}

	c, err := catalog.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		var ce *schema.CaseError
		if errors.As(err, &ce) {
			if problems, ok := ce.Details["problems"].([]string); ok {
				for _, p := range problems {
					fmt.Fprintf(os.Stderr, "  - %s\n", p)
				}
			}
		}
		return 1
	}
	fmt.Printf("%s: %d processes, %d deployments, %d users\n", dir, len(c.Processes), len(c.Deployments), len(c.Users))
	return 0
}

func writePID() error {
	if err := os.MkdirAll(caseworkDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// signalRunningServer sends SIGHUP to a running casework server (via pidfile).
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload\n", pid)
	return true
}
