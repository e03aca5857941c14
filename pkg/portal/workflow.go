package portal

import (
	"context"
	"fmt"
	"time"

	"github.com/datamill/datamill/pkg/engine"
)

// DailyReport walks a session through the standard reporting workflow:
// login, template selection, a date filter on panel 0, the result tab, and a
// date filter on panel 1. The session is always closed, success or failure.
// Exhausted retries are logged here and returned to the caller, which
// decides what the failure means for the run; the sync worker is never
// interrupted on its behalf.
func DailyReport(ctx context.Context, s *Session, day time.Time) error {
	defer s.Close()

	if err := reportSteps(ctx, s, day); err != nil {
		if engine.IsExhausted(err) {
			s.log.WithError(err).Error("report workflow abandoned after exhausting retries")
		}
		return err
	}

	s.log.WithField("day", day.Format(dateLayout)).Info("daily report complete")
	return nil
}

func reportSteps(ctx context.Context, s *Session, day time.Time) error {
	if err := s.Login(ctx); err != nil {
		return err
	}
	if err := s.SelectTemplate(ctx, "", ""); err != nil {
		return err
	}
	if err := s.FilterByDate(ctx, day, day, 0); err != nil {
		return err
	}
	if err := s.SelectTab(ctx, s.cfg.Selectors.ResultTab); err != nil {
		return err
	}
	return s.FilterByDate(ctx, day, day, 1)
}

// ReportTask wraps the daily report workflow as an orchestrator task. The
// session is created when the task runs and the report day is read from the
// clock at that moment, so one task definition serves watch-triggered runs.
func ReportTask(newSession func(ctx context.Context) (*Session, error)) engine.Task {
	return engine.Task{
		Name: "daily-report",
		Run: func(ctx context.Context) error {
			s, err := newSession(ctx)
			if err != nil {
				return fmt.Errorf("failed to start portal session: %w", err)
			}
			return DailyReport(ctx, s, time.Now())
		},
	}
}
