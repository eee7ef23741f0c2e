// Package cron runs a single function on a cron-expression schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// FireFunc is invoked each time the schedule comes due.
type FireFunc func(ctx context.Context, now time.Time)

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	CronExpr string // 5-field cron expression; defaults to "*/10 * * * *" if empty
	Fire     FireFunc
}

// Scheduler sleeps until a cron expression is next due, fires, and repeats.
type Scheduler struct {
	logger   *slog.Logger
	cronExpr string
	fire     FireFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "*/10 * * * *"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		cronExpr: expr,
		fire:     cfg.Fire,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "cron_expr", s.cronExpr)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := time.Now()
		next, err := NextRunTime(s.cronExpr, now)
		if err != nil {
			s.logger.Error("scheduler: invalid cron expression", "cron_expr", s.cronExpr, "error", err)
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			if s.fire != nil {
				s.fire(ctx, fired)
			}
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
