package cron_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/cron"
	"github.com/basket/go-drover/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. Avoids fixed sleeps that make timing tests flaky.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "drover.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func scheduledTask(ctx context.Context, store *persistence.Store, scheduleID string) *persistence.Task {
	tasks, err := store.ListTasksByStatus(ctx, persistence.TaskStatusQueued)
	if err != nil {
		return nil
	}
	for i := range tasks {
		if tasks[i].ScheduleID == scheduleID {
			return &tasks[i]
		}
	}
	return nil
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-5 * time.Minute)
	schedID, err := store.CreateSchedule(ctx, "nightly digest", "*/5 * * * *", "default",
		"Summarize what changed since yesterday.", past)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	fired := make(chan struct{}, 1)
	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Interval: 50 * time.Millisecond,
		OnFire: func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		},
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return scheduledTask(ctx, store, schedID) != nil
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnFire hook not invoked")
	}

	task := scheduledTask(ctx, store, schedID)
	if task.Title != "nightly digest" {
		t.Fatalf("title = %q", task.Title)
	}
	if task.AgentID != "default" {
		t.Fatalf("agent = %q", task.AgentID)
	}
	if task.Description != "Summarize what changed since yesterday." {
		t.Fatalf("description = %q", task.Description)
	}
}

func TestScheduler_AdvancesNextRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	schedID, err := store.CreateSchedule(ctx, "ten-minute check", "*/10 * * * *", "default", "check", past)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched := cron.NewScheduler(cron.Config{Store: store, Interval: 50 * time.Millisecond})
	sched.Start(ctx)
	defer sched.Stop()

	var updated *persistence.Schedule
	waitFor(t, 3*time.Second, func() bool {
		s, err := store.GetSchedule(ctx, schedID)
		if err != nil || s.LastRunAt == nil {
			return false
		}
		updated = s
		return true
	})

	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("next_run_at = %v, want a future time", updated.NextRunAt)
	}

	// It must not refire before next_run_at.
	time.Sleep(200 * time.Millisecond)
	tasks, err := store.ListTasksByStatus(ctx, persistence.TaskStatusQueued)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	count := 0
	for _, task := range tasks {
		if task.ScheduleID == schedID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("fired %d times, want 1", count)
	}
}

func TestScheduler_BadExpressionDisablesSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	schedID, err := store.CreateSchedule(ctx, "broken", "not a cron expr", "default", "check", past)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched := cron.NewScheduler(cron.Config{Store: store, Interval: 50 * time.Millisecond})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		s, err := store.GetSchedule(ctx, schedID)
		return err == nil && s.NextRunAt == nil
	})

	// No task was created for the broken schedule.
	if task := scheduledTask(ctx, store, schedID); task != nil {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 14, 9, 2, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatal("expected parse error")
	}
}
