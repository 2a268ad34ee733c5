package main

import (
	"context"
	"fmt"
	"os"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/nexus/internal/backend"
	"github.com/aristath/nexus/internal/config"
	"github.com/aristath/nexus/internal/events"
	"github.com/aristath/nexus/internal/logging"
	"github.com/aristath/nexus/internal/metrics"
	"github.com/aristath/nexus/internal/natsbus"
	"github.com/aristath/nexus/internal/orchestrator"
	"github.com/aristath/nexus/internal/persistence"
	"github.com/aristath/nexus/internal/planner"
	"github.com/aristath/nexus/internal/scheduler"
	"github.com/aristath/nexus/internal/vcs"
)

// app holds the long-lived collaborators of one CLI invocation.
type app struct {
	cfg         *config.Config
	globalPath  string
	projectPath string

	log      *zap.Logger
	closeLog func() error

	pm       *backend.ProcessManager
	runtime  *backend.CLIRuntime
	bus      *events.EventBus
	store    *persistence.SQLiteStore // nil when store.path is empty
	registry *prometheus.Registry
	recorder *metrics.Recorder

	natsServer *natsserver.Server
	natsConn   *nats.Conn

	sinks errgroup.Group
}

// loadConfig merges defaults, the global file, the project file and the
// environment, then applies flag overrides.
func loadConfig() (cfg *config.Config, globalPath, projectPath string, err error) {
	globalPath, projectPath, err = config.DefaultPaths()
	if err != nil {
		return nil, "", "", err
	}
	if projectConfig != "" {
		projectPath = projectConfig
	}
	cfg, err = config.Load(globalPath, projectPath)
	if err != nil {
		return nil, "", "", err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, "", "", err
		}
	}
	return cfg, globalPath, projectPath, nil
}

// newApp wires configuration, logging and the agent runtime. With quietLog the
// logger writes to a file so it does not corrupt the terminal UI.
func newApp(ctx context.Context, quietLog bool) (*app, error) {
	cfg, globalPath, projectPath, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.Log
	if quietLog && logCfg.File == "" {
		logCfg.File = ".nexus/nexus.log"
	}
	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	a := &app{
		cfg:         cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		log:         logger,
		closeLog:    closeLog,
		pm:          backend.NewProcessManager(),
		bus:         events.NewEventBus(),
		registry:    prometheus.NewRegistry(),
	}
	a.runtime = backend.NewCLIRuntime(backendConfig(cfg), a.pm, logger)
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.recorder = metrics.NewRecorder(a.registry)

	if cfg.Store.Path != "" {
		a.store, err = persistence.NewSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open mission store: %w", err)
		}
	}

	if cfg.NATS.Enabled {
		if err := a.connectNATS(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) connectNATS() error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		srv, err := natsbus.StartServer(natsbus.ServerOptions{Port: a.cfg.NATS.Port, DataDir: a.cfg.NATS.DataDir}, a.log)
		if err != nil {
			return err
		}
		a.natsServer = srv
		url = srv.ClientURL()
	}
	nc, err := natsbus.Connect(url)
	if err != nil {
		return err
	}
	a.natsConn = nc
	a.log.Info("connected to NATS", zap.String("url", url))
	return nil
}

// startSinks subscribes the journal, metrics and NATS bridge to the bus.
// They stop when the bus is closed.
func (a *app) startSinks(ctx context.Context) {
	if a.store != nil {
		journal := persistence.NewJournal(a.store, a.log)
		ch := a.bus.SubscribeAll(1024)
		a.sinks.Go(func() error {
			journal.Run(ctx, ch)
			return nil
		})
	}

	ch := a.bus.SubscribeAll(1024)
	a.sinks.Go(func() error {
		a.recorder.Run(ctx, ch)
		return nil
	})

	if a.natsConn != nil {
		bridge := natsbus.NewBridge(a.natsConn, a.cfg.NATS.SubjectPrefix, a.log)
		if a.cfg.NATS.DataDir != "" {
			if err := bridge.EnsureStream(); err != nil {
				a.log.Warn("jetstream unavailable, events will not be retained", zap.Error(err))
			}
		}
		ch := a.bus.SubscribeAll(1024)
		a.sinks.Go(func() error {
			bridge.Run(ctx, ch)
			return nil
		})
	}
}

// newPlanner returns a file planner when planPath is set, otherwise the
// configured planning agent.
func (a *app) newPlanner(planPath string) (orchestrator.Planner, error) {
	if planPath != "" {
		return &planner.FilePlanner{
			Path:       planPath,
			Catalog:    a.cfg.Catalog(),
			ReviewGate: a.cfg.Planner.ReviewGate,
			Logger:     a.log,
		}, nil
	}
	agent, err := a.cfg.PlannerAgent()
	if err != nil {
		return nil, err
	}
	return &planner.RuntimePlanner{
		Runtime:    a.runtime,
		Agent:      agent,
		Catalog:    a.cfg.Catalog(),
		ReviewGate: a.cfg.Planner.ReviewGate,
		Logger:     a.log,
	}, nil
}

// newPublisher builds the configured publisher wrapped in retries and a
// circuit breaker. It returns nil for vcs.kind "none".
func (a *app) newPublisher(ctx context.Context) (vcs.Publisher, error) {
	var inner vcs.Publisher
	switch a.cfg.VCS.Kind {
	case "", "none":
		return nil, nil
	case "local":
		p, err := vcs.OpenLocalPublisher(vcs.LocalOptions{
			RepoPath:    a.cfg.VCS.RepoPath,
			BaseBranch:  a.cfg.VCS.BaseBranch,
			AuthorName:  a.cfg.VCS.AuthorName,
			AuthorEmail: a.cfg.VCS.AuthorEmail,
			Logger:      a.log,
		})
		if err != nil {
			return nil, err
		}
		inner = p
	case "github":
		token := os.Getenv(a.cfg.VCS.TokenEnv)
		if token == "" {
			a.log.Warn("no GitHub token set, requests are anonymous", zap.String("env", a.cfg.VCS.TokenEnv))
		}
		inner = vcs.NewGitHubPublisher(vcs.NewGitHubClient(ctx, token), vcs.GitHubOptions{
			Owner:             a.cfg.VCS.Owner,
			Repo:              a.cfg.VCS.Repo,
			BaseBranch:        a.cfg.VCS.BaseBranch,
			RequestsPerSecond: a.cfg.VCS.RequestsPerSecond,
			Logger:            a.log,
		})
	default:
		return nil, fmt.Errorf("unknown publisher %q", a.cfg.VCS.Kind)
	}
	breakers := orchestrator.NewCircuitBreakerRegistry(a.log)
	return orchestrator.NewResilientPublisher(inner, breakers.Get("vcs-"+a.cfg.VCS.Kind), orchestrator.DefaultRetryConfig()), nil
}

// close releases everything newApp acquired. Subprocesses are killed first so
// no agent outlives the CLI.
func (a *app) close() {
	if err := a.pm.KillAll(); err != nil {
		a.log.Warn("failed to kill agent processes", zap.Error(err))
	}
	a.bus.Close()
	_ = a.sinks.Wait()

	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.natsServer != nil {
		a.natsServer.Shutdown()
		a.natsServer.WaitForShutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close mission store", zap.Error(err))
		}
	}
	_ = a.log.Sync()
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// backendConfig maps agent and provider configuration onto backend settings.
func backendConfig(cfg *config.Config) backend.ConfigFunc {
	return func(agent scheduler.Agent) (backend.Config, error) {
		ac, pc, err := cfg.Resolve(agent.ID)
		if err != nil {
			return backend.Config{}, err
		}
		bc := backend.Config{
			Type:         pc.Type,
			WorkDir:      pc.WorkDir,
			Model:        ac.Model,
			SystemPrompt: agent.SystemPrompt,
			Env:          append([]string(nil), pc.Env...),
		}
		switch pc.Type {
		case "command":
			bc.Command = append([]string{pc.Command}, pc.Args...)
		default:
			bc.Binary = pc.Command
		}
		return bc, nil
	}
}
