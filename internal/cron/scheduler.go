// Package cron fires recurring schedules by creating queued tasks. Each
// schedule stores a precomputed next_run_at; the scheduler wakes on a
// fixed tick, fires everything due, and writes the next run time back.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-drover/internal/persistence"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute
	// OnFire runs after each firing, typically to kick the queue loop.
	OnFire func()
}

// Scheduler queries the store for due schedules and creates a task for
// each one.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	onFire   func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
		onFire:   cfg.OnFire,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("query due schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire creates a queued task for the schedule and advances next_run_at.
// The next run is always written, even when task creation fails, so a
// broken schedule cannot wedge the tick loop into refiring forever.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("bad cron expression, schedule disabled until edited",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		if disErr := s.store.DisableSchedule(ctx, sched.ID); disErr != nil {
			s.logger.Error("disable schedule failed", "schedule_id", sched.ID, "error", disErr)
		}
		return
	}

	taskID, err := s.store.CreateTask(ctx, persistence.CreateTaskParams{
		Title:       sched.Name,
		Description: sched.Prompt,
		AgentID:     sched.AgentID,
		ScheduleID:  sched.ID,
	})
	if err != nil {
		s.logger.Error("create scheduled task failed",
			"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("update schedule run failed", "schedule_id", sched.ID, "error", err)
		return
	}

	if taskID != "" {
		s.logger.Info("schedule fired",
			"schedule_id", sched.ID, "schedule_name", sched.Name,
			"task_id", taskID, "next_run_at", nextRun)
		if s.onFire != nil {
			s.onFire()
		}
	}
}

// NextRunTime returns the first run after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
