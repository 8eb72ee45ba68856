// Package runner deploys validated handlers and invokes them on demand or
// on a cron schedule.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"evidenceflow/internal/core"
	"evidenceflow/internal/process"
	"evidenceflow/internal/runs"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/secrets"
	"evidenceflow/internal/store"
)

var (
	// ErrNotReady is returned when an automation fails the promotion gate.
	ErrNotReady = errors.New("automation is not ready to promote")
	// ErrNotDeployed is returned when invoking an automation without an active deployment.
	ErrNotDeployed = errors.New("automation has no active deployment")
	// ErrSupersededDeployment is returned when invoking a deployment that is no longer active.
	ErrSupersededDeployment = errors.New("deployment is not the automation's active deployment")
	// ErrRunInFlight is returned by the skip overlap policy.
	ErrRunInFlight = errors.New("a run of this automation is already in flight")
)

// Overlap policies.
const (
	OverlapAllow = "allow"
	OverlapSkip  = "skip"
)

// RunHandle is returned as soon as the pending run exists.
type RunHandle struct {
	RunID        string         `json:"runId"`
	AutomationID string         `json:"automationId"`
	DeploymentID string         `json:"deploymentId"`
	Status       core.RunStatus `json:"status"`
}

// Options configures a Runner.
type Options struct {
	Store    *store.Store
	Scripts  *scripts.Store
	Secrets  *secrets.Service
	Tracker  *runs.Tracker
	Host     ExecutionHost
	Overlap  string
	Location *time.Location
	Logger   *slog.Logger
}

// Runner owns deployments and invocation.
type Runner struct {
	store   *store.Store
	scripts *scripts.Store
	secrets *secrets.Service
	tracker *runs.Tracker
	host    ExecutionHost
	overlap string
	logger  *slog.Logger

	scheduler *Scheduler
}

func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	overlap := opts.Overlap
	if overlap == "" {
		overlap = OverlapAllow
	}
	r := &Runner{
		store:   opts.Store,
		scripts: opts.Scripts,
		secrets: opts.Secrets,
		tracker: opts.Tracker,
		host:    opts.Host,
		overlap: overlap,
		logger:  logger.With("component", "runner"),
	}
	r.scheduler = NewScheduler(opts.Store, r.scheduledInvoke, logger, opts.Location)
	return r
}

// Scheduler exposes the cron scheduler.
func (r *Runner) Scheduler() *Scheduler {
	return r.scheduler
}

// Start loads schedules and starts the cron loop.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.scheduler.Sync(ctx); err != nil {
		return err
	}
	r.scheduler.Start(ctx)
	return nil
}

// Stop stops the cron loop.
func (r *Runner) Stop() context.Context {
	return r.scheduler.Stop()
}

// Register snapshots the automation's current script into a new deployment.
func (r *Runner) Register(ctx context.Context, a *core.Automation) (*core.Deployment, error) {
	obj, err := r.scripts.Get(ctx, a.ScriptKey)
	if err != nil {
		return nil, err
	}
	return r.register(ctx, a, obj)
}

func (r *Runner) register(ctx context.Context, a *core.Automation, obj *scripts.Object) (*core.Deployment, error) {
	d := &core.Deployment{
		ID:           core.NewDeploymentID(),
		AutomationID: a.ID,
		ScriptKey:    obj.Key,
		ContentHash:  scripts.ContentHash(obj.Content),
		Content:      obj.Content,
		Metadata:     obj.Metadata,
	}
	if err := r.store.InsertDeployment(ctx, d); err != nil {
		return nil, core.E(core.KindUnavailable, "register deployment", err)
	}
	r.logger.Info("deployment registered", "deployment_id", d.ID, "automation_id", a.ID, "key", d.ScriptKey,
		"runtime", d.Metadata.Runtime, "handler", d.Metadata.Handler)
	return d, nil
}

// Promote deploys an automation whose current script passed validation and
// whose declared secrets are all resolved, then activates its schedule.
func (r *Runner) Promote(ctx context.Context, automationID string) (*core.Automation, *core.Deployment, error) {
	const op = "promote"
	a, err := r.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, nil, notFound(op, err)
	}
	outstanding, err := r.secrets.Outstanding(ctx, a.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(outstanding) > 0 {
		names := make([]string, 0, len(outstanding))
		for _, req := range outstanding {
			names = append(names, req.Name)
		}
		return nil, nil, core.E(core.KindConflict, op, fmt.Errorf("%w: outstanding secret requests %s", ErrNotReady, strings.Join(names, ", ")))
	}
	obj, err := r.scripts.Get(ctx, a.ScriptKey)
	if err != nil {
		if errors.Is(err, scripts.ErrNotFound) {
			return nil, nil, core.E(core.KindConflict, op, fmt.Errorf("%w: no script written", ErrNotReady))
		}
		return nil, nil, err
	}
	missing, err := r.secrets.Unresolved(ctx, a.OrganizationID, obj.Metadata.Secrets)
	if err != nil {
		return nil, nil, err
	}
	if len(missing) > 0 {
		return nil, nil, core.E(core.KindConflict, op, fmt.Errorf("%w: unresolved secrets %s", ErrNotReady, strings.Join(missing, ", ")))
	}
	hash := scripts.ContentHash(obj.Content)
	if a.ValidatedHash == nil || *a.ValidatedHash != hash {
		return nil, nil, core.E(core.KindConflict, op, fmt.Errorf("%w: current script has not passed sandbox validation", ErrNotReady))
	}

	d, err := r.register(ctx, a, obj)
	if err != nil {
		return nil, nil, err
	}
	a.Status = core.AutomationStatusActive
	a.DeploymentID = &d.ID
	if err := r.store.UpdateAutomation(ctx, a); err != nil {
		return nil, nil, err
	}
	if err := r.scheduler.Schedule(a); err != nil {
		r.logger.Error("schedule promoted automation", "automation_id", a.ID, "err", err)
	}
	r.logger.Info("automation promoted", "automation_id", a.ID, "org_id", a.OrganizationID, "task_id", a.TaskID, "deployment_id", d.ID)
	return a, d, nil
}

// Deactivate stops scheduling an automation and rejects further invokes.
func (r *Runner) Deactivate(ctx context.Context, automationID string) (*core.Automation, error) {
	a, err := r.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, notFound("deactivate", err)
	}
	r.scheduler.Deactivate(a.ID)
	if a.Status == core.AutomationStatusInactive {
		return a, nil
	}
	a.Status = core.AutomationStatusInactive
	if err := r.store.UpdateAutomation(ctx, a); err != nil {
		return nil, err
	}
	r.logger.Info("automation deactivated", "automation_id", a.ID)
	return a, nil
}

// Invoke creates a pending run of a deployment and dispatches it. Only the
// active deployment of an active automation can be invoked. The handle is
// returned without waiting for execution.
func (r *Runner) Invoke(ctx context.Context, deploymentID string, trigger core.Trigger) (*RunHandle, error) {
	d, err := r.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrDeploymentNotFound) {
			return nil, core.E(core.KindNotFound, "invoke", err)
		}
		return nil, err
	}
	a, err := r.store.GetAutomation(ctx, d.AutomationID)
	if err != nil {
		return nil, notFound("invoke", err)
	}
	if a.Status != core.AutomationStatusActive || a.DeploymentID == nil {
		return nil, core.E(core.KindConflict, "invoke", ErrNotDeployed)
	}
	if *a.DeploymentID != d.ID {
		return nil, core.E(core.KindConflict, "invoke", ErrSupersededDeployment)
	}
	return r.invoke(ctx, a, d, trigger)
}

// InvokeTask invokes the active deployment of the automation owned by a task.
func (r *Runner) InvokeTask(ctx context.Context, taskID string, trigger core.Trigger) (*RunHandle, error) {
	a, err := r.store.GetAutomationByTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrAmbiguousTask) {
			return nil, core.E(core.KindConflict, "invoke task", err)
		}
		return nil, notFound("invoke task", err)
	}
	return r.invokeAutomation(ctx, a, trigger)
}

func (r *Runner) invokeAutomation(ctx context.Context, a *core.Automation, trigger core.Trigger) (*RunHandle, error) {
	if a.Status != core.AutomationStatusActive || a.DeploymentID == nil {
		return nil, core.E(core.KindConflict, "invoke", ErrNotDeployed)
	}
	d, err := r.store.GetDeployment(ctx, *a.DeploymentID)
	if err != nil {
		return nil, err
	}
	return r.invoke(ctx, a, d, trigger)
}

func (r *Runner) invoke(ctx context.Context, a *core.Automation, d *core.Deployment, trigger core.Trigger) (*RunHandle, error) {
	if r.overlap == OverlapSkip {
		n, err := r.tracker.Active(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			r.logger.Info("invoke skipped, run in flight", "automation_id", a.ID, "trigger", trigger)
			return nil, core.E(core.KindConflict, "invoke", ErrRunInFlight)
		}
	}
	run, err := r.tracker.Create(ctx, a.ID, d.ID, trigger)
	if err != nil {
		return nil, err
	}
	job := Job{Run: run, Deployment: d, OrganizationID: a.OrganizationID}
	if err := r.host.Dispatch(ctx, job); err != nil {
		payload, _ := json.Marshal(process.Failure{Message: "dispatch failed: " + err.Error()})
		if _, _, ferr := r.tracker.Finish(ctx, run.ID, runs.Outcome{Error: payload}); ferr != nil {
			r.logger.Error("record dispatch failure", "run_id", run.ID, "err", ferr)
		}
		return nil, core.E(core.KindUnavailable, "invoke", err)
	}
	return &RunHandle{RunID: run.ID, AutomationID: a.ID, DeploymentID: d.ID, Status: run.Status}, nil
}

func (r *Runner) scheduledInvoke(ctx context.Context, automationID string) error {
	a, err := r.store.GetAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	if a.Status != core.AutomationStatusActive {
		r.scheduler.Deactivate(a.ID)
		return nil
	}
	handle, err := r.invokeAutomation(ctx, a, core.TriggerScheduled)
	if err != nil {
		return err
	}
	r.logger.Info("scheduled run dispatched", "automation_id", a.ID, "run_id", handle.RunID)
	return nil
}

func notFound(op string, err error) error {
	if errors.Is(err, store.ErrAutomationNotFound) || errors.Is(err, store.ErrDeploymentNotFound) {
		return core.E(core.KindNotFound, op, err)
	}
	return err
}
