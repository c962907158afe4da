package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aristath/workgraph/internal/config"
	"github.com/aristath/workgraph/internal/events"
	"github.com/aristath/workgraph/internal/executor"
	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/jobsapi"
	"github.com/aristath/workgraph/internal/logging"
	"github.com/aristath/workgraph/internal/orchestrator"
	"github.com/aristath/workgraph/internal/persistence"
	"github.com/aristath/workgraph/internal/scheduler"
	"github.com/aristath/workgraph/internal/tui"
)

const memoryStorePath = ":memory:"

// app holds process-wide state. Everything past the config is opened lazily
// so commands that only talk to a remote jobs API never touch the store.
type app struct {
	stdout io.Writer
	stderr io.Writer

	args []string // Raw command line, recorded on command runs

	// Global flags
	configPath string
	storePath  string
	logLevel   string
	jsonOut    bool

	cfg    *config.Config
	logger *slog.Logger

	store     *persistence.SQLiteStore
	bus       *events.EventBus
	relay     *events.RedisRelay
	stopRelay context.CancelFunc
	engine    *jobs.Engine
	procs     *executor.ProcessManager
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		logger: logging.Discard(),
		procs:  executor.NewProcessManager(),
	}
}

// setup loads configuration and builds the logger. An explicit --config
// replaces the project layer and skips the global one.
func (a *app) setup() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.Load("", a.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.storePath != "" {
		cfg.Store.Path = a.storePath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.New(cfg.Logging.Level, cfg.Logging.Format, a.stderr)
	return nil
}

// openStore opens the local store and the job engine on top of it.
func (a *app) openStore(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}

	var (
		store *persistence.SQLiteStore
		err   error
	)
	if a.cfg.Store.Path == memoryStorePath {
		store, err = persistence.NewMemoryStore(ctx)
	} else {
		store, err = persistence.NewSQLiteStore(ctx, a.cfg.Store.Path)
	}
	if err != nil {
		return err
	}
	a.store = store
	a.bus = events.NewEventBus()

	if a.cfg.Events.RedisURL != "" {
		relay, err := events.NewRedisRelay(a.cfg.Events.RedisURL, a.cfg.Events.ChannelPrefix, a.logger)
		if err != nil {
			return fmt.Errorf("failed to set up event relay: %w", err)
		}
		relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.relay, a.stopRelay = relay, cancel
		go relay.Run(relayCtx, a.bus.SubscribeAll(256))
	}

	a.engine = jobs.NewEngine(store, jobs.WithPublisher(a.bus), jobs.WithLogger(a.logger))
	return nil
}

func (a *app) selector() *scheduler.SelectionService {
	return scheduler.NewSelectionService(a.store, scheduler.WithLogger(a.logger))
}

// newRunner builds a runner around the configured task command.
func (a *app) newRunner(ctx context.Context) (*orchestrator.Runner, error) {
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	rc := a.cfg.Runner
	if len(rc.Command) == 0 {
		return nil, errors.New("runner.command is not configured; set it to the argv to run for each task")
	}
	exec, err := executor.NewCommandExecutor(rc.Command,
		executor.WithWorkDir(rc.WorkDir),
		executor.WithTimeout(rc.TaskTimeout.Std()),
		executor.WithProcessManager(a.procs),
		executor.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}

	return orchestrator.NewRunner(a.engine, a.selector(), a.store, exec, orchestrator.RunnerConfig{
		Concurrency: rc.Concurrency,
		Retry: orchestrator.RetryConfig{
			MaxAttempts:         rc.Retry.MaxAttempts,
			InitialInterval:     rc.Retry.InitialDelay.Std(),
			MaxInterval:         rc.Retry.MaxDelay.Std(),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breakers: orchestrator.NewCircuitBreakerRegistry(orchestrator.BreakerConfig{
			MaxFailures: rc.Breaker.MaxFailures,
			OpenTimeout: rc.Breaker.ResetTimeout.Std(),
		}, a.logger),
		PollInterval: a.cfg.Follow.Interval.Std(),
		Logger:       a.logger,
	}), nil
}

// insights returns the job insights service for the configured backend. A
// configured base URL wins over the local store.
func (a *app) insights(ctx context.Context) (*insights.Service, error) {
	jb := a.cfg.JobsBackend
	var backend insights.JobsBackend
	switch {
	case jb.BaseURL != "":
		client, err := jobsapi.NewClient(jb.BaseURL,
			jobsapi.WithBearerToken(jb.APIKey),
			jobsapi.WithTimeout(jb.Timeout.Std()),
			jobsapi.WithClientLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}
		backend = client
	case jb.Local:
		if err := a.openStore(ctx); err != nil {
			return nil, err
		}
		backend = insights.NewLocalBackend(a.engine)
	}
	return insights.New(backend, insights.WithLogger(a.logger)), nil
}

// cancelJob cancels id through svc. Against the local store the cancel is
// recorded as its own command run on the job; a remote backend only relays.
func (a *app) cancelJob(ctx context.Context, svc *insights.Service, id string, opts jobs.CancelOptions) (*jobs.Job, error) {
	if a.engine == nil || a.cfg.JobsBackend.BaseURL != "" {
		return svc.CancelJob(ctx, id, opts)
	}
	return a.jobCommand(ctx, "cancel", id, func(ctx context.Context) (*jobs.Job, error) {
		return svc.CancelJob(ctx, id, opts)
	})
}

// jobCommand runs fn inside a command run named name on job id. The store
// must be open.
func (a *app) jobCommand(ctx context.Context, name, id string, fn func(context.Context) (*jobs.Job, error)) (*jobs.Job, error) {
	var job *jobs.Job
	err := a.engine.RunCommand(ctx, jobs.CommandRunRequest{JobID: id, CommandName: name, Args: a.args},
		func(ctx context.Context, _ *jobs.CommandRun) error {
			var err error
			job, err = fn(ctx)
			return err
		})
	return job, err
}

// watchCancel is the cancel key of the watch view.
func (a *app) watchCancel(svc *insights.Service) tui.Option {
	return tui.WithCancel(func(ctx context.Context, id string) (*jobs.Job, error) {
		return a.cancelJob(ctx, svc, id, jobs.CancelOptions{Reason: "cancelled from watch view"})
	})
}

// close releases everything the app opened, killing any task processes
// still running.
func (a *app) close() {
	if err := a.procs.KillAll(); err != nil {
		a.logger.Warn("failed to kill task processes", "error", err)
	}
	if a.stopRelay != nil {
		a.stopRelay()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if err := a.relay.Close(); err != nil {
		a.logger.Warn("failed to close event relay", "error", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
}
