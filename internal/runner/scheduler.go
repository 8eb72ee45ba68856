package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"evidenceflow/internal/core"
	"evidenceflow/internal/store"
)

// TriggerFunc starts a scheduled invocation of an automation.
type TriggerFunc func(ctx context.Context, automationID string) error

// Scheduler keeps one cron entry per active automation with a cadence.
type Scheduler struct {
	store    *store.Store
	trigger  TriggerFunc
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	ctx context.Context
}

// NewScheduler constructs a scheduler that calls trigger when an entry fires.
func NewScheduler(st *store.Store, trigger TriggerFunc, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithParser(core.CronParser()),
		cron.WithLocation(location),
	)
	return &Scheduler{
		store:    st,
		trigger:  trigger,
		logger:   logger.With("component", "scheduler"),
		location: location,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start begins the scheduling loop. ctx is used for the triggered invocations.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the scheduler. The returned context is done once running jobs return.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Sync loads all automations and schedules the active ones.
func (s *Scheduler) Sync(ctx context.Context) error {
	automations, err := s.store.ListAutomations(ctx, nil)
	if err != nil {
		return fmt.Errorf("list automations: %w", err)
	}
	for _, a := range automations {
		if err := s.Schedule(a); err != nil {
			s.logger.Error("schedule automation", "automation_id", a.ID, "err", err)
		}
	}
	return nil
}

// Schedule replaces the entry of an automation. Inactive automations and
// automations without a cadence end up unscheduled.
func (s *Scheduler) Schedule(a *core.Automation) error {
	s.Deactivate(a.ID)
	if a.Status != core.AutomationStatusActive || a.Cron == nil || a.DeploymentID == nil {
		return nil
	}
	schedule, err := core.ParseCron(*a.Cron)
	if err != nil {
		return err
	}
	automationID := a.ID
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := s.trigger(s.ctxOrBackground(), automationID); err != nil {
			s.logger.Warn("scheduled invoke failed", "automation_id", automationID, "err", err)
		}
	}))
	s.setEntryID(a.ID, entryID)
	s.logger.Info("automation scheduled", "automation_id", a.ID, "cron", *a.Cron)
	return nil
}

// Deactivate removes the entry of an automation.
func (s *Scheduler) Deactivate(automationID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[automationID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, automationID)
	}
}

// Next returns the next trigger time of a scheduled automation.
func (s *Scheduler) Next(automationID string) (time.Time, bool) {
	entryID, ok := s.getEntryID(automationID)
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	next := entry.Next
	// Entries added before Start have no computed next time yet.
	if next.IsZero() && entry.Schedule != nil {
		next = entry.Schedule.Next(time.Now().In(s.location))
	}
	return next, !next.IsZero()
}

// Scheduled reports whether the automation has an entry.
func (s *Scheduler) Scheduled(automationID string) bool {
	_, ok := s.getEntryID(automationID)
	return ok
}

func (s *Scheduler) setEntryID(automationID string, entryID cron.EntryID) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.entries[automationID] = entryID
}

func (s *Scheduler) getEntryID(automationID string) (cron.EntryID, bool) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	id, ok := s.entries[automationID]
	return id, ok
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
