// Package scheduler triggers the daily billing run from inside the
// process, for deployments without an external cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/sitekit/internal/billing/batch"
)

// Trigger starts a billing run for today.
type Trigger interface {
	Trigger(ctx context.Context) (*batch.Report, error)
}

// Scheduler fires Trigger on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	spec    string
	logger  *slog.Logger
}

// New parses spec (standard five-field cron syntax, or descriptors such as
// "@daily") in loc.
func New(spec string, loc *time.Location, trigger Trigger, logger *slog.Logger) (*Scheduler, error) {
	logger = logger.With("component", "scheduler")
	clog := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s := &Scheduler{cron: c, trigger: trigger, spec: spec, logger: logger}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("billing schedule started", "schedule", s.spec, "next", e.Next)
	}
}

// Stop halts the schedule and waits for a run already in progress to
// finish. Runs are detached from cancellation, so Stop does not cut them
// short.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next returns the next time the schedule fires, or the zero time before
// Start.
func (s *Scheduler) Next() time.Time {
	for _, e := range s.cron.Entries() {
		return e.Next
	}
	return time.Time{}
}

func (s *Scheduler) run() {
	report, err := s.trigger.Trigger(context.Background())
	if err != nil {
		s.logger.Error("scheduled billing run failed", "error", err)
		return
	}
	s.logger.Info("scheduled billing run complete",
		"run_id", report.RunID,
		"success", report.Success,
		"failure", report.Failure,
	)
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
