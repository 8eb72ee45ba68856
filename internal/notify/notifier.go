// Package notify pushes run failure alerts to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"evidenceflow/internal/core"
	"evidenceflow/internal/remediation"
)

// Notifier delivers one message.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a message out to every notifier and joins their errors.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// maxBodyLines bounds the log excerpt in a failure message.
const maxBodyLines = 5

// FailureAlerts formats failed runs as notifications.
type FailureAlerts struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewFailureAlerts(n Notifier, logger *slog.Logger) *FailureAlerts {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureAlerts{notifier: n, logger: logger.With("component", "notify")}
}

// RunFailed is a run failure hook.
func (f *FailureAlerts) RunFailed(ctx context.Context, run *core.Run) {
	title, body := FailureMessage(run)
	if err := f.notifier.Send(ctx, title, body); err != nil {
		f.logger.Warn("failure notification not delivered", "run_id", run.ID, "automation_id", run.AutomationID, "err", err)
	}
}

// FailureMessage renders the title and body for a failed run.
func FailureMessage(run *core.Run) (string, string) {
	title := fmt.Sprintf("Automation %s failed", run.AutomationID)
	lines := remediation.LogLines(run.Error)
	if len(lines) > maxBodyLines {
		lines = append(lines[:maxBodyLines:maxBodyLines], "...")
	}
	body := fmt.Sprintf("Run %s (%s)", run.ID, run.Trigger)
	for _, l := range lines {
		body += "\n" + l
	}
	return title, body
}
