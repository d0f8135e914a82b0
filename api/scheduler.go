/*
scheduler.go - Reminder scheduler

PURPOSE:
  Periodically reminds employees whose case has been blocking for longer
  than the configured age. The work itself is lifecycle.Engine.SendReminders;
  this file only owns the schedule.

DESIGN:
  - robfig/cron with a standard 5-field expression (default weekdays 09:00)
  - Runs never overlap: a run still in progress skips the next tick
  - Each case is reminded once; the engine marks it in the same transaction
    that records the reminder event

CONFIGURATION:
  - Schedule: cron expression (reminders.schedule)
  - After:    minimum age of the blocking case (reminders.after)
  - Enabled:  whether the scheduler starts at all

USAGE:
  scheduler, err := NewReminderScheduler(engine, cfg, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - lifecycle/reminders.go: SendReminders
  - cmd/server/main.go: "reminders run" triggers a single run
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/incapacidades/config"
	"github.com/warp/incapacidades/lifecycle"
)

// ReminderRunner is the slice of the engine the scheduler drives.
type ReminderRunner interface {
	SendReminders(ctx context.Context, olderThan time.Duration) (*lifecycle.ReminderReport, error)
}

// ReminderScheduler handles periodic reminders for blocking cases.
type ReminderScheduler struct {
	runner   ReminderRunner
	schedule string
	after    time.Duration
	enabled  bool
	log      logrus.FieldLogger

	cron    *cron.Cron
	running sync.Mutex
	mu      sync.Mutex
	started bool

	lastRun    time.Time
	lastReport *lifecycle.ReminderReport
}

// NewReminderScheduler validates the schedule up front.
func NewReminderScheduler(runner ReminderRunner, cfg config.RemindersConfig, log logrus.FieldLogger) (*ReminderScheduler, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	after := cfg.After
	if after <= 0 {
		after = 72 * time.Hour
	}
	return &ReminderScheduler{
		runner:   runner,
		schedule: cfg.Schedule,
		after:    after,
		enabled:  cfg.Enabled,
		log:      log.WithField("component", "reminder_scheduler"),
		cron:     cron.New(),
	}, nil
}

// Start begins the scheduler.
func (s *ReminderScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		s.log.Info("reminder scheduler disabled, not starting")
		return nil
	}
	if s.started {
		return nil
	}
	if len(s.cron.Entries()) == 0 {
		if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
			return fmt.Errorf("failed to schedule reminders: %w", err)
		}
	}
	s.cron.Start()
	s.started = true
	s.log.WithFields(logrus.Fields{"schedule": s.schedule, "after": s.after.String()}).Info("reminder scheduler started")
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (s *ReminderScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("reminder scheduler stopped")
}

// RunOnce sends due reminders now. Returns nil when another run holds the
// lock.
func (s *ReminderScheduler) RunOnce(ctx context.Context) *lifecycle.ReminderReport {
	if !s.running.TryLock() {
		s.log.Warn("reminder run already in progress, skipping")
		return nil
	}
	defer s.running.Unlock()

	start := time.Now()
	report, err := s.runner.SendReminders(ctx, s.after)
	if err != nil {
		s.log.WithError(err).Error("reminder run failed")
		return nil
	}

	s.mu.Lock()
	s.lastRun = start
	s.lastReport = report
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"sent":     len(report.Sent),
		"skipped":  report.Skipped,
		"warnings": len(report.Warnings),
		"duration": time.Since(start).String(),
	}).Info("reminder run finished")
	return report
}

// LastRun returns when the last successful run started and its report.
func (s *ReminderScheduler) LastRun() (time.Time, *lifecycle.ReminderReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastReport
}
