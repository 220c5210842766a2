/**
 * @description
 * Cron scheduler setup for the voice add-on reconciliation sweep.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const poolMetricsSchedule = "*/5 * * * *"

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance evaluating schedule in loc.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.ProcessDailySweep); err != nil {
		s.logger.Error("failed to schedule voice add-on sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled voice add-on sweep", "schedule", s.schedule)

	if _, err := s.cron.AddFunc(poolMetricsSchedule, s.jobs.RefreshPoolMetrics); err != nil {
		s.logger.Error("failed to schedule did pool metrics job", "error", err)
	} else {
		s.logger.Info("scheduled did pool metrics job", "schedule", poolMetricsSchedule)
	}

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
