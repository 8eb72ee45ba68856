// Package runs records invocations and their monotonic status transitions.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"evidenceflow/internal/core"
	"evidenceflow/internal/store"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = store.ErrRunNotFound

// MaxListLimit bounds List.
const MaxListLimit = 100

// hookTimeout bounds a single failure hook.
const hookTimeout = 2 * time.Minute

// Outcome is the terminal report of an execution host. A non-nil Error marks
// the run failed.
type Outcome struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// FailureHook observes runs that reached failed. Hooks run once per run,
// concurrently with the caller, and cannot affect the run.
type FailureHook func(ctx context.Context, run *core.Run)

type namedHook struct {
	name string
	fn   FailureHook
}

// Tracker owns run records.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	hooks []namedHook
	wg    sync.WaitGroup
}

func NewTracker(st *store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, logger: logger.With("component", "runs"), now: time.Now}
}

// OnFailure registers a hook for failed runs.
func (t *Tracker) OnFailure(name string, hook FailureHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, namedHook{name: name, fn: hook})
}

// Create records a pending run.
func (t *Tracker) Create(ctx context.Context, automationID, deploymentID string, trigger core.Trigger) (*core.Run, error) {
	if !trigger.Valid() {
		return nil, core.Invalid("create run", "unknown trigger %q", trigger)
	}
	run := &core.Run{
		ID:           core.NewRunID(),
		AutomationID: automationID,
		DeploymentID: deploymentID,
		Trigger:      trigger,
		Status:       core.RunStatusPending,
	}
	if err := t.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	t.logger.Info("run created", "run_id", run.ID, "automation_id", automationID, "trigger", trigger)
	return run, nil
}

// MarkRunning moves a pending run to running. It reports whether this call
// applied the transition.
func (t *Tracker) MarkRunning(ctx context.Context, id string) (*core.Run, bool, error) {
	applied, err := t.store.MarkRunStarted(ctx, id, t.now().UTC())
	if err != nil {
		return nil, false, wrapNotFound("mark running", err)
	}
	run, err := t.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if applied {
		t.logger.Info("run started", "run_id", id, "automation_id", run.AutomationID)
	}
	return run, applied, nil
}

// Finish moves a pending or running run to its terminal status. Only the
// caller whose transition applied triggers logging and failure hooks;
// repeated reports of an already terminal run are no-ops.
func (t *Tracker) Finish(ctx context.Context, id string, outcome Outcome) (*core.Run, bool, error) {
	status := core.RunStatusCompleted
	if outcome.Error != nil {
		status = core.RunStatusFailed
	}
	output := outcome.Output
	if status == core.RunStatusCompleted && output == nil {
		output = json.RawMessage("null")
	}
	applied, err := t.store.MarkRunFinished(ctx, id, status, t.now().UTC(), output, outcome.Error)
	if err != nil {
		return nil, false, wrapNotFound("finish run", err)
	}
	run, err := t.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return run, false, nil
	}
	switch run.Status {
	case core.RunStatusCompleted:
		t.logger.Info("run completed", "run_id", id, "automation_id", run.AutomationID, "output", truncate(run.Output, 2048))
	case core.RunStatusFailed:
		t.logger.Warn("run failed", "run_id", id, "automation_id", run.AutomationID, "error", truncate(run.Error, 4096))
		t.fireFailure(ctx, run)
	}
	return run, true, nil
}

func (t *Tracker) fireFailure(ctx context.Context, run *core.Run) {
	t.mu.RLock()
	hooks := append([]namedHook(nil), t.hooks...)
	t.mu.RUnlock()
	base := context.WithoutCancel(ctx)
	for _, h := range hooks {
		snapshot := *run
		t.wg.Add(1)
		go func(h namedHook) {
			defer t.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("failure hook panicked", "hook", h.name, "run_id", snapshot.ID, "panic", fmt.Sprint(r))
				}
			}()
			hookCtx, cancel := context.WithTimeout(base, hookTimeout)
			defer cancel()
			h.fn(hookCtx, &snapshot)
		}(h)
	}
}

// Wait blocks until in-flight failure hooks return.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) Get(ctx context.Context, id string) (*core.Run, error) {
	run, err := t.store.GetRun(ctx, id)
	if err != nil {
		return nil, wrapNotFound("get run", err)
	}
	return run, nil
}

// List returns the newest runs of an automation first.
func (t *Tracker) List(ctx context.Context, automationID string, limit int) ([]*core.Run, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return t.store.ListRuns(ctx, automationID, limit)
}

// Stuck lists runs still pending or running after olderThan. They are
// reported for monitoring and never retried.
func (t *Tracker) Stuck(ctx context.Context, olderThan time.Duration) ([]*core.Run, error) {
	return t.store.ListUnfinishedRuns(ctx, t.now().UTC().Add(-olderThan))
}

// Active counts pending or running runs of an automation.
func (t *Tracker) Active(ctx context.Context, automationID string) (int, error) {
	return t.store.CountActiveRuns(ctx, automationID)
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, store.ErrRunNotFound) {
		return core.E(core.KindNotFound, op, err)
	}
	return err
}

func truncate(raw json.RawMessage, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
