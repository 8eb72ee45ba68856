package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronParser exposes the parser so the scheduler evaluates expressions exactly as they were validated.
func CronParser() cron.Parser {
	return cronParser
}

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
// Descriptors such as @weekly are rejected so every stored cadence reads the same way.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, Invalid("parse cron", "cron expression is required")
	}
	if strings.HasPrefix(expr, "@") {
		return nil, Invalid("parse cron", "only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, E(KindValidation, "parse cron", fmt.Errorf("invalid cron expression: %w", err))
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// ErrNoSchedule is returned when an automation without a cadence is asked for its next run.
var ErrNoSchedule = errors.New("automation has no schedule")

// NextRun returns the next scheduled trigger of an automation after base.
func NextRun(a *Automation, base time.Time) (time.Time, error) {
	if a.Cron == nil {
		return time.Time{}, ErrNoSchedule
	}
	schedule, err := ParseCron(*a.Cron)
	if err != nil {
		return time.Time{}, err
	}
	next := NextOccurrences(schedule, base, 1)
	if len(next) == 0 {
		return time.Time{}, ErrNoSchedule
	}
	return next[0], nil
}
