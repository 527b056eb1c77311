// Command orchestrator is the orchestration core's single binary: run with
// no -project-mode flag it is the Global Supervisor daemon, spawning one
// child invocation of itself per configured project; run with
// -project-mode=<name> it is that project's Orchestrator, owning the
// project's FSM, TDD cycle workflows, and Command Pipeline HTTP surface.
// Mirrors the teacher's cmd/cortex/main.go flag/logging/lock/signal idiom.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/orchcore/internal/agentdispatch"
	"github.com/antigravity-dev/orchcore/internal/approval"
	"github.com/antigravity-dev/orchcore/internal/broadcast"
	"github.com/antigravity-dev/orchcore/internal/capability"
	"github.com/antigravity-dev/orchcore/internal/config"
	"github.com/antigravity-dev/orchcore/internal/dispatchledger"
	"github.com/antigravity-dev/orchcore/internal/lock"
	"github.com/antigravity-dev/orchcore/internal/orchestrator"
	"github.com/antigravity-dev/orchcore/internal/pipeline"
	"github.com/antigravity-dev/orchcore/internal/projectstore"
	"github.com/antigravity-dev/orchcore/internal/supervisor"
	"github.com/antigravity-dev/orchcore/internal/tddworkflow"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "orchcore.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	projectMode := flag.String("project-mode", "", "run as the Orchestrator child for this project name, instead of the Supervisor daemon")
	projectPath := flag.String("project-path", "", "project directory (required with -project-mode)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	if *projectMode != "" {
		runProjectChild(cfg, *projectMode, *projectPath, logger)
		return
	}
	runSupervisorDaemon(cfgManager, *configPath, cfg, *dev, logger)
}

// runSupervisorDaemon is the Global Supervisor entry point: it owns no
// project state itself, only the child processes and their resource
// allocation (spec §4.6).
func runSupervisorDaemon(cfgManager config.ConfigManager, configPath string, cfg *config.Config, dev bool, logger *slog.Logger) {
	lockPath := cfg.General.LockFile
	lockHandle, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer lockHandle.Release()

	ledgerPath := config.ExpandHome(cfg.General.StateDB)
	ledger, err := dispatchledger.Open(ledgerPath)
	if err != nil {
		logger.Error("failed to open dispatch ledger", "path", ledgerPath, "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	exePath, err := os.Executable()
	if err != nil {
		logger.Error("failed to resolve own executable path", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(exePath, cfg.Supervisor, ledger, logger.With("component", "supervisor"))

	stores := make(map[string]*projectstore.Store, len(cfg.Projects))
	for name, proj := range cfg.Projects {
		stores[name] = projectstore.Open(proj.Path, logger.With("project", name))
		if err := sup.StartProject(name, proj); err != nil {
			logger.Error("failed to start project", "project", name, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Monitor(ctx, stores, cfg.General.PollPeriod.Duration)

	logger.Info("orchestrator supervisor running", "projects", len(cfg.Projects))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			newCfg, err := config.Reload(configPath)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			cfgManager.Set(newCfg)
			cfg = newCfg
			logger = configureLogger(cfg.General.LogLevel, dev)
			slog.SetDefault(logger)
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			for name := range cfg.Projects {
				if err := sup.StopProject(name, cfg.Supervisor.StopGracePeriod.Duration); err != nil {
					logger.Error("failed to stop project", "project", name, "error", err)
				}
			}
			logger.Info("supervisor stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

// runProjectChild is the per-project Orchestrator entry point: it owns the
// project's FSM, TDD cycle workflows, and the Command Pipeline HTTP surface
// that the Global Supervisor itself never touches.
func runProjectChild(cfg *config.Config, project, projectPath string, logger *slog.Logger) {
	proj, ok := cfg.Projects[project]
	if !ok {
		logger.Error("unknown project", "project", project)
		os.Exit(1)
	}
	if projectPath == "" {
		projectPath = proj.Path
	}

	store := projectstore.Open(projectPath, logger.With("project", project))
	if err := store.Initialize(projectPath); err != nil {
		logger.Error("failed to initialize project store", "project", project, "error", err)
		os.Exit(1)
	}

	wfClient, err := client.Dial(client.Options{HostPort: cfg.Temporal.HostPort, Namespace: cfg.Temporal.Namespace})
	if err != nil {
		logger.Error("failed to dial temporal", "error", err)
		os.Exit(1)
	}
	defer wfClient.Close()

	var backend agentdispatch.Backend
	if cfg.Capability.SandboxBackend == "docker" {
		backend, err = agentdispatch.NewDockerBackend(cfg.Capability.DockerImage)
		if err != nil {
			logger.Error("failed to create docker backend", "error", err)
			os.Exit(1)
		}
	} else {
		backend = agentdispatch.NewExecBackend()
	}

	approvalLedger := approval.NewLedger(cfg.Approval.DefaultTimeout.Duration)

	agentCmd := make(map[capability.AgentType]string, len(cfg.Agents))
	for k, v := range cfg.Agents {
		agentCmd[capability.AgentType(k)] = v
	}

	activities := &tddworkflow.Activities{
		Store:    store,
		Backend:  backend,
		Ledger:   approvalLedger,
		WorkDir:  projectPath,
		AgentCmd: agentCmd,
	}

	go func() {
		logger.Info("starting temporal worker", "task_queue", cfg.Temporal.TaskQueue)
		if err := tddworkflow.StartWorker(cfg.Temporal.HostPort, cfg.Temporal.Namespace, cfg.Temporal.TaskQueue, activities); err != nil {
			logger.Error("temporal worker error", "error", err)
		}
	}()

	events := broadcast.New(64)
	orch := orchestrator.New(project, proj, store, wfClient, cfg.Temporal.TaskQueue, approvalLedger, events, logger.With("component", "orchestrator"))
	if err := orch.Load(); err != nil {
		logger.Error("failed to load project state", "error", err)
		os.Exit(1)
	}

	pl := pipeline.New()
	pl.Register(project, orch, proj)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := pipeline.NewServer(cfg.API.Bind, pl, logger.With("component", "pipeline_http"))
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("pipeline http server error", "error", err)
		}
	}()

	go reportStatus(ctx, store, orch, cfg.General.PollPeriod.Duration)

	logger.Info("orchestrator project running", "project", project, "bind", cfg.API.Bind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	shutdownStart := time.Now()
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("orchestrator project stopped", "shutdown_duration", time.Since(shutdownStart).String())
}

// reportStatus periodically writes status.json (spec §6.4) so the
// Supervisor's liveness check can read this project's health without
// reaching into its in-memory Orchestrator.
func reportStatus(ctx context.Context, store *projectstore.Store, orch *orchestrator.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := orch.GetStatus()
			if err := store.SaveStatus(snap); err != nil {
				slog.Default().Warn("failed to save status snapshot", "error", err)
			}
		}
	}
}
