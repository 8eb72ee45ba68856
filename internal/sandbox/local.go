package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"evidenceflow/internal/core"
	"evidenceflow/internal/process"
	"evidenceflow/internal/scripts"
)

// stoppedRetention is how long a torn-down session stays queryable.
const stoppedRetention = time.Hour

// LocalHost runs sessions in-process and executes handlers as child processes.
type LocalHost struct {
	runner         *process.Runner
	command        []string
	workDir        string
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*localSession
}

type localSession struct {
	session   Session
	timer     *time.Timer
	stoppedAt time.Time
}

// LocalHostOptions configures a LocalHost.
type LocalHostOptions struct {
	Runner         *process.Runner
	Command        []string
	WorkDir        string
	// DefaultTimeout is also the longest lifetime a session may request.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

func NewLocalHost(opts LocalHostOptions) *LocalHost {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runner := opts.Runner
	if runner == nil {
		runner = process.NewRunner(logger)
	}
	return &LocalHost{
		runner:         runner,
		command:        opts.Command,
		workDir:        opts.WorkDir,
		defaultTimeout: timeout,
		logger:         logger.With("component", "sandbox"),
		now:            time.Now,
		sessions:       make(map[string]*localSession),
	}
}

func (h *LocalHost) Create(ctx context.Context, timeout time.Duration) (*Session, error) {
	if timeout <= 0 || timeout > h.defaultTimeout {
		timeout = h.defaultTimeout
	}
	now := h.now().UTC()
	ls := &localSession{session: Session{
		ID:        core.NewSandboxID(),
		Status:    StatusRunning,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}}

	h.mu.Lock()
	h.pruneLocked(now)
	h.sessions[ls.session.ID] = ls
	id := ls.session.ID
	ls.timer = time.AfterFunc(timeout, func() {
		h.teardown(id, "timeout")
	})
	h.mu.Unlock()

	h.logger.Info("sandbox created", "sandbox_id", id, "timeout", timeout)
	out := ls.session
	return &out, nil
}

func (h *LocalHost) Status(ctx context.Context, id string) (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.sessions[id]
	if !ok {
		return "", core.E(core.KindNotFound, "sandbox status", ErrSessionNotFound)
	}
	return ls.session.Status, nil
}

// Session returns a snapshot of a session.
func (h *LocalHost) Session(id string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.sessions[id]
	if !ok {
		return nil, core.E(core.KindNotFound, "sandbox session", ErrSessionNotFound)
	}
	out := ls.session
	return &out, nil
}

func (h *LocalHost) Stop(ctx context.Context, id string) error {
	h.mu.Lock()
	_, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return core.E(core.KindNotFound, "stop sandbox", ErrSessionNotFound)
	}
	h.teardown(id, "stopped")
	return nil
}

func (h *LocalHost) teardown(id, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.sessions[id]
	if !ok || ls.session.Status == StatusStopped {
		return
	}
	if ls.timer != nil {
		ls.timer.Stop()
	}
	ls.session.Status = StatusStopped
	ls.stoppedAt = h.now().UTC()
	h.logger.Info("sandbox torn down", "sandbox_id", id, "reason", reason)
}

func (h *LocalHost) pruneLocked(now time.Time) {
	for id, ls := range h.sessions {
		if ls.session.Status == StatusStopped && now.Sub(ls.stoppedAt) > stoppedRetention {
			delete(h.sessions, id)
		}
	}
}

// Validate executes the handler inside the session, bounded by the session deadline.
func (h *LocalHost) Validate(ctx context.Context, id string, obj *scripts.Object, env map[string]string) (*ValidationResult, error) {
	sess, err := h.Session(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusRunning {
		return nil, core.E(core.KindConflict, "validate in sandbox", ErrSessionStopped)
	}
	remaining := sess.ExpiresAt.Sub(h.now())
	if remaining <= 0 {
		return nil, core.E(core.KindConflict, "validate in sandbox", ErrSessionStopped)
	}
	if len(h.command) == 0 {
		return nil, core.E(core.KindInternal, "validate in sandbox", fmt.Errorf("no handler command configured"))
	}

	base := h.workDir
	if base != "" {
		base = filepath.Join(base, id)
	}
	dir, file, err := process.Stage(base, filepath.Base(obj.Key), obj.Content)
	if err != nil {
		return nil, core.E(core.KindInternal, "validate in sandbox", err)
	}
	defer os.RemoveAll(dir)

	res, err := h.runner.Run(ctx, process.Spec{
		Args:    process.ExpandCommand(h.command, file, obj.Metadata.Handler),
		Dir:     dir,
		Env:     Environ(dir, env),
		Timeout: remaining,
	})
	if err != nil {
		return nil, core.E(core.KindInternal, "validate in sandbox", err)
	}
	output, failure := process.Interpret(res)
	result := &ValidationResult{
		Passed:      res.Succeeded(),
		ContentHash: scripts.ContentHash(obj.Content),
		Output:      output,
		Error:       failure,
		DurationMS:  res.Duration.Milliseconds(),
	}
	h.logger.Info("sandbox validation finished", "sandbox_id", id, "key", obj.Key, "passed", result.Passed,
		"duration", res.Duration)
	return result, nil
}

// Environ builds a minimal process environment with the given secret values.
func Environ(home string, secrets map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + home,
	}
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+secrets[name])
	}
	return env
}
