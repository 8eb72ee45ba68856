package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"evidenceflow/internal/core"
	"evidenceflow/internal/process"
	"evidenceflow/internal/runs"
	"evidenceflow/internal/sandbox"
)

// Job is one dispatched execution of a deployment.
type Job struct {
	Run            *core.Run
	Deployment     *core.Deployment
	OrganizationID string
}

// ExecutionHost runs jobs out of band. Dispatch must return without waiting
// for the handler; progress is reported through the run tracker, either
// directly or through the run callback endpoint.
type ExecutionHost interface {
	Dispatch(ctx context.Context, job Job) error
}

// Reporter receives run progress from an execution host.
type Reporter interface {
	MarkRunning(ctx context.Context, id string) (*core.Run, bool, error)
	Finish(ctx context.Context, id string, outcome runs.Outcome) (*core.Run, bool, error)
}

// SecretSource decrypts the secrets a deployment declares.
type SecretSource interface {
	Env(ctx context.Context, orgID string, names []string) (map[string]string, error)
}

// LocalHostOptions configures a LocalHost.
type LocalHostOptions struct {
	Runner   *process.Runner
	Command  []string
	WorkDir  string
	Timeout  time.Duration
	Reporter Reporter
	Secrets  SecretSource
	Logger   *slog.Logger
}

// LocalHost executes deployments as child processes of the daemon.
type LocalHost struct {
	runner   *process.Runner
	command  []string
	workDir  string
	timeout  time.Duration
	reporter Reporter
	secrets  SecretSource
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewLocalHost(opts LocalHostOptions) *LocalHost {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = process.NewRunner(logger)
	}
	return &LocalHost{
		runner:   runner,
		command:  opts.Command,
		workDir:  opts.WorkDir,
		timeout:  opts.Timeout,
		reporter: opts.Reporter,
		secrets:  opts.Secrets,
		logger:   logger.With("component", "execution"),
	}
}

// Dispatch starts the job in the background.
func (h *LocalHost) Dispatch(ctx context.Context, job Job) error {
	if len(h.command) == 0 {
		return core.E(core.KindInternal, "dispatch", fmt.Errorf("no handler command configured"))
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.execute(context.WithoutCancel(ctx), job)
	}()
	return nil
}

// Wait blocks until dispatched jobs return.
func (h *LocalHost) Wait() {
	h.wg.Wait()
}

func (h *LocalHost) execute(ctx context.Context, job Job) {
	runID := job.Run.ID
	logger := h.logger.With("run_id", runID, "automation_id", job.Run.AutomationID)
	if _, applied, err := h.reporter.MarkRunning(ctx, runID); err != nil {
		logger.Error("mark running failed", "err", err)
		return
	} else if !applied {
		logger.Warn("run was no longer pending")
		return
	}
	outcome := h.run(ctx, job)
	if _, _, err := h.reporter.Finish(ctx, runID, outcome); err != nil {
		logger.Error("finish run failed", "err", err)
	}
}

func (h *LocalHost) run(ctx context.Context, job Job) runs.Outcome {
	d := job.Deployment
	env, err := h.secrets.Env(ctx, job.OrganizationID, d.Metadata.Secrets)
	if err != nil {
		return failure("secrets unavailable: " + err.Error())
	}
	base := h.workDir
	if base != "" {
		base = filepath.Join(base, job.Run.ID)
	}
	dir, file, err := process.Stage(base, filepath.Base(d.ScriptKey), d.Content)
	if err != nil {
		return failure(err.Error())
	}
	defer os.RemoveAll(dir)

	res, err := h.runner.Run(ctx, process.Spec{
		Args:    process.ExpandCommand(h.command, file, d.Metadata.Handler),
		Dir:     dir,
		Env:     sandbox.Environ(dir, env),
		Timeout: h.timeout,
	})
	if err != nil {
		return failure(err.Error())
	}
	output, failed := process.Interpret(res)
	return runs.Outcome{Output: output, Error: failed}
}

func failure(message string) runs.Outcome {
	payload, _ := json.Marshal(process.Failure{Message: message})
	return runs.Outcome{Error: payload}
}
