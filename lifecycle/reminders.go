package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// REMINDERS - Nudge employees whose case has been blocking for too long
// =============================================================================

// ReminderReport summarizes one SendReminders run.
type ReminderReport struct {
	Sent     []string
	Skipped  int
	Warnings []error
}

// SendReminders notifies every blocking incomplete case created more than
// olderThan ago that has not been reminded yet. Each case is marked and
// logged in its own transaction, then notified after commit. A reminder the
// notifier refuses is unmarked again so the next run retries it.
func (e *Engine) SendReminders(ctx context.Context, olderThan time.Duration) (*ReminderReport, error) {
	cutoff := e.now().UTC().Add(-olderThan)
	due, err := e.store.FindCases(ctx, CaseFilter{
		Estados:             IncompleteStates,
		Blocked:             Bool(true),
		RecordatorioEnviado: Bool(false),
		CreatedBefore:       cutoff,
	})
	if err != nil {
		return nil, err
	}

	report := &ReminderReport{}
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var marked *Case
		err := e.store.WithTx(ctx, candidate.Cedula, func(s Store) error {
			c, err := s.GetCaseBySerial(ctx, candidate.Serial)
			if err != nil || c == nil {
				return err
			}
			// Re-check inside the lock; a reviewer may have acted meanwhile.
			if !c.BloqueaNueva || !c.Estado.IsIncomplete() || c.RecordatorioEnviado {
				return nil
			}
			now := e.now().UTC()
			c.RecordatorioEnviado = true
			c.FechaRecordatorio = &now
			c.UpdatedAt = now
			if err := s.UpdateCase(ctx, *c); err != nil {
				return err
			}
			if err := s.AppendEvent(ctx, newEvent(now, c, EventReminderSent, "sistema")); err != nil {
				return err
			}
			marked = c
			return nil
		})
		if err != nil {
			e.log.WithError(err).WithField("serial", candidate.Serial).Warn("reminder skipped")
			report.Skipped++
			continue
		}
		if marked == nil {
			report.Skipped++
			continue
		}

		warnings := e.afterCommit(ctx, NotifyReminder, *marked, SyncUpdate, marked.Metadata.Checklist, BlockReason(marked))
		report.Warnings = append(report.Warnings, warnings...)
		if notifierRefused(warnings) {
			// Clear the mark so the next run retries this case.
			if err := e.unmarkReminder(ctx, marked.Cedula, marked.Serial); err != nil {
				e.log.WithError(err).WithField("serial", marked.Serial).Error("failed to clear reminder mark")
			}
			report.Skipped++
			continue
		}
		report.Sent = append(report.Sent, marked.Serial)
	}

	e.log.WithFields(logrus.Fields{"sent": len(report.Sent), "skipped": report.Skipped}).Info("reminders processed")
	return report, nil
}

func (e *Engine) unmarkReminder(ctx context.Context, cedula, serial string) error {
	return e.store.WithTx(ctx, cedula, func(s Store) error {
		c, err := s.GetCaseBySerial(ctx, serial)
		if err != nil || c == nil {
			return err
		}
		now := e.now().UTC()
		c.RecordatorioEnviado = false
		c.FechaRecordatorio = nil
		c.UpdatedAt = now
		if err := s.UpdateCase(ctx, *c); err != nil {
			return err
		}
		return s.AppendEvent(ctx, newEvent(now, c, EventReminderFailed, "sistema"))
	})
}

func notifierRefused(warnings []error) bool {
	for _, w := range warnings {
		var dw *ExternalDispatchWarning
		if errors.As(w, &dw) && dw.Collaborator == "notifier" {
			return true
		}
	}
	return false
}
