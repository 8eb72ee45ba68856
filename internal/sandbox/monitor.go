package sandbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Monitor polls a session while the conversation still wants it and reports
// the status surfaced to the conversation.
type Monitor struct {
	host     Host
	id       string
	interval time.Duration
	report   func(Status)
	logger   *slog.Logger
	wanted   atomic.Bool
}

func NewMonitor(host Host, id string, interval time.Duration, report func(Status), logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{host: host, id: id, interval: interval, report: report, logger: logger}
	m.wanted.Store(true)
	return m
}

// Release marks the session as no longer wanted. The next poll ends the loop.
func (m *Monitor) Release() {
	m.wanted.Store(false)
}

// Poll performs one status observation and returns the reported status.
func (m *Monitor) Poll(ctx context.Context) (Status, error) {
	observed, err := m.host.Status(ctx, m.id)
	if err != nil {
		return "", err
	}
	reported := ReportedStatus(m.wanted.Load(), observed)
	if reported != observed {
		m.logger.Debug("stopped observation treated as transient", "sandbox_id", m.id)
	}
	return reported, nil
}

// Run polls until the context ends, the session is released, or the host
// reports an error.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if !m.wanted.Load() {
			return nil
		}
		status, err := m.Poll(ctx)
		if err != nil {
			return err
		}
		if m.report != nil {
			m.report(status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
