package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"evidenceflow/internal/agent"
	"evidenceflow/internal/api"
	"evidenceflow/internal/config"
	"evidenceflow/internal/llm"
	"evidenceflow/internal/logging"
	evidencemcp "evidenceflow/internal/mcp"
	"evidenceflow/internal/notify"
	"evidenceflow/internal/process"
	"evidenceflow/internal/remediation"
	"evidenceflow/internal/runner"
	"evidenceflow/internal/runs"
	"evidenceflow/internal/sandbox"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/secrets"
	"evidenceflow/internal/store"
	"evidenceflow/internal/tokens"
)

// stuckAfter is how long a run may stay unfinished before it is reported.
const stuckAfter = 30 * time.Minute

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	runner    *runner.Runner
	execution *runner.LocalHost
	tracker   *runs.Tracker
	api       *api.Server
	mcp       *evidencemcp.Server
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the protocol in mcp mode.
	var out io.Writer = os.Stdout
	if cfg.Mode != "http" {
		out = os.Stderr
	}
	logger := logging.NewWithWriter(out, cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.store.Close()

	if err := a.runner.Start(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}
	go a.reportStuckRuns(ctx, time.Minute)

	switch cfg.Mode {
	case "http":
		a.serve(ctx, false)
	case "mcp":
		a.serveStdio(cancel)
	case "both":
		a.serve(ctx, true)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
	a.shutdown()
}

// build wires every component with explicit dependencies.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.Storage.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	backend, err := scripts.NewFSBackend(filepath.Join(cfg.Storage.StateDir, cfg.Storage.ScriptBucket))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open script bucket: %w", err)
	}
	scriptStore := scripts.NewStore(backend, logger)

	vault, err := secrets.OpenVault(filepath.Join(cfg.Storage.StateDir, "vault.key"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}
	secretService := secrets.NewService(st, vault, logger)

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	procRunner := process.NewRunner(logger)
	sandboxHost := sandbox.NewLocalHost(sandbox.LocalHostOptions{
		Runner:         procRunner,
		Command:        cfg.Execution.HandlerCommand,
		WorkDir:        filepath.Join(cfg.Storage.StateDir, "sandboxes"),
		DefaultTimeout: cfg.Execution.SandboxTimeout,
		Logger:         logger,
	})
	toolbox := agent.NewToolbox(st, scriptStore, secretService, sandboxHost, cfg.Execution.SandboxTimeout, logger)

	provider := llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	authoring := agent.New(agent.Options{
		Provider: provider,
		Toolbox:  toolbox,
		Store:    st,
		Secrets:  secretService,
		Model:    cfg.LLM.Model,
		Logger:   logger,
	})

	tracker := runs.NewTracker(st, logger)
	fixes := remediation.NewService(remediation.Options{
		Provider:      provider,
		Model:         cfg.LLM.Model,
		Store:         st,
		Scripts:       scriptStore,
		AutoApply:     cfg.Remediation.AutoApply,
		RatePerMinute: cfg.Remediation.RatePerMinute,
		Logger:        logger,
	})
	tracker.OnFailure("remediation", fixes.ForwardFailure)
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifications disabled", "err", err)
		} else {
			tracker.OnFailure("notify", notify.NewFailureAlerts(bark, logger).RunFailed)
		}
	}

	execution := runner.NewLocalHost(runner.LocalHostOptions{
		Runner:   procRunner,
		Command:  cfg.Execution.HandlerCommand,
		WorkDir:  filepath.Join(cfg.Storage.StateDir, "runs"),
		Timeout:  cfg.Execution.DefaultTimeout,
		Reporter: tracker,
		Secrets:  secretService,
		Logger:   logger,
	})
	jobs := runner.New(runner.Options{
		Store:    st,
		Scripts:  scriptStore,
		Secrets:  secretService,
		Tracker:  tracker,
		Host:     execution,
		Overlap:  cfg.Execution.OverlapPolicy,
		Location: location,
		Logger:   logger,
	})

	minter, err := tokens.NewMinter(tokens.Options{
		SigningSecret:  cfg.Tokens.SigningSecret,
		DefaultTTL:     cfg.Tokens.DefaultTTL,
		MaxTTL:         cfg.Tokens.MaxTTL,
		MultipleUseTTL: cfg.Tokens.MultipleUseTTL,
		AllowedTaskIDs: cfg.Tokens.AllowedTaskIDs,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("token minter: %w", err)
	}
	if cfg.Tokens.SigningSecret == "" {
		logger.Warn("no token signing secret configured, access tokens will not survive a restart")
	}

	mcpServer := evidencemcp.New(evidencemcp.Options{
		Store:    st,
		Toolbox:  toolbox,
		Runner:   jobs,
		Tracker:  tracker,
		Location: location,
		Logger:   logger,
	})
	apiServer := api.NewServer(api.Options{
		Addr:           cfg.Server.Addr,
		AuthToken:      cfg.Server.AuthToken,
		CallbackSecret: cfg.Server.CallbackSecret,
		RunListLimit:   cfg.Execution.RunListLimit,
		SandboxTimeout: cfg.Execution.SandboxTimeout,
		Store:          st,
		Scripts:        scriptStore,
		Sandbox:        sandboxHost,
		Secrets:        secretService,
		Agent:          authoring,
		Toolbox:        toolbox,
		Runner:         jobs,
		Tracker:        tracker,
		Remediation:    fixes,
		Tokens:         minter,
		MCP:            mcpServer.HTTPHandler(),
		Location:       location,
		Logger:         logger,
	})
	if cfg.Server.AuthToken == "" {
		logger.Warn("no API auth token configured, operator endpoints are open")
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		runner:    jobs,
		execution: execution,
		tracker:   tracker,
		api:       apiServer,
		mcp:       mcpServer,
	}, nil
}

// serve runs the HTTP server, and the stdio MCP server when withStdio is
// set, until a signal arrives or a server fails.
func (a *app) serve(ctx context.Context, withStdio bool) {
	serverErr := make(chan error, 1)
	go func() {
		if err := a.api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	mcpErr := make(chan error, 1)
	if withStdio {
		go func() {
			if err := a.mcp.ServeStdio(); err != nil {
				mcpErr <- err
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		a.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		a.logger.Error("server error", "err", err)
	case err := <-mcpErr:
		a.logger.Error("mcp server error", "err", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}
}

// serveStdio blocks on the stdio MCP transport, which handles SIGINT and SIGTERM itself.
func (a *app) serveStdio(cancel context.CancelFunc) {
	defer cancel()
	if err := a.mcp.ServeStdio(); err != nil {
		a.logger.Error("mcp server error", "err", err)
	}
}

// shutdown stops scheduling and waits, up to the grace period, for
// dispatched runs and failure hooks.
func (a *app) shutdown() {
	done := make(chan struct{})
	go func() {
		<-a.runner.Stop().Done()
		a.execution.Wait()
		a.tracker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownGrace):
		a.logger.Warn("shutdown timed out with work in flight")
	}
	a.logger.Info("shutdown complete")
}

// reportStuckRuns periodically logs runs that never reached a terminal state.
func (a *app) reportStuckRuns(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck, err := a.tracker.Stuck(ctx, stuckAfter)
			if err != nil {
				a.logger.Warn("stuck run check failed", "err", err)
				continue
			}
			for _, run := range stuck {
				a.logger.Warn("run appears stuck", "run_id", run.ID, "automation_id", run.AutomationID,
					"status", run.Status, "created_at", run.CreatedAt.UTC().Format(time.RFC3339))
			}
		}
	}
}
