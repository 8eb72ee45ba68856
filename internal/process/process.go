// Package process runs a staged handler file under an interpreter with a
// timeout watchdog and captures its output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultOutputLimit caps how much of each stream is retained.
const DefaultOutputLimit = 1 << 20

// killGrace is how long a timed-out process gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Spec describes one process invocation.
type Spec struct {
	Args        []string
	Dir         string
	Env         []string
	Timeout     time.Duration
	OutputLimit int
}

// Result is what a finished process left behind.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode *int
	TimedOut bool
	Duration time.Duration
}

// Succeeded reports a clean zero exit.
func (r *Result) Succeeded() bool {
	return !r.TimedOut && r.ExitCode != nil && *r.ExitCode == 0
}

// Runner executes specs.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes spec and waits for it. A non-nil error means the process
// could not be started; everything that happens after start is reported
// through Result.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Args) == 0 {
		return nil, errors.New("process: empty command")
	}
	limit := spec.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	stdout := &limitedBuffer{limit: limit}
	stderr := &limitedBuffer{limit: limit}

	cmd := exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...) // #nosec G204
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var timeoutTriggered atomic.Bool
	var watchdog *time.Timer
	if spec.Timeout > 0 {
		watchdog = time.AfterFunc(spec.Timeout, func() {
			timeoutTriggered.Store(true)
			r.logger.Warn("process exceeded timeout, sending termination", "cmd", spec.Args[0], "timeout", spec.Timeout)
			sendTermination(cmd.Process)
			time.AfterFunc(killGrace, func() {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			})
		})
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if watchdog != nil {
			watchdog.Stop()
		}
		return nil, fmt.Errorf("start command: %w", err)
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimedOut: timeoutTriggered.Load(),
		Duration: time.Since(start),
	}
	if waitErr == nil {
		code := 0
		res.ExitCode = &code
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		res.ExitCode = &code
	}
	return res, nil
}

// Stage writes a handler file into a fresh directory under baseDir and
// returns the directory and file path. The caller removes the directory.
func Stage(baseDir, fileName string, content []byte) (string, string, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return "", "", fmt.Errorf("ensure stage dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(baseDir, "handler-")
	if err != nil {
		return "", "", fmt.Errorf("create stage dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(fileName))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("write handler: %w", err)
	}
	return dir, path, nil
}

// ExpandCommand substitutes {file} and {handler} placeholders in a command template.
func ExpandCommand(template []string, file, handler string) []string {
	args := make([]string, 0, len(template))
	for _, arg := range template {
		arg = strings.ReplaceAll(arg, "{file}", file)
		arg = strings.ReplaceAll(arg, "{handler}", handler)
		args = append(args, arg)
	}
	return args
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
