package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring task definition fired by the cron scheduler.
type Schedule struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	CronExpr      string     `json:"cron_expr"`
	AgentID       string     `json:"agent_id"`
	Prompt        string     `json:"prompt"`
	LastSessionID string     `json:"last_session_id,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CreateSchedule inserts a schedule. nextRun should be precomputed from the
// cron expression so the scheduler can find it with a range query.
func (s *Store) CreateSchedule(ctx context.Context, name, cronExpr, agentID, prompt string, nextRun time.Time) (string, error) {
	id := uuid.NewString()
	if agentID == "" {
		agentID = "default"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, agent_id, prompt, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, name, cronExpr, agentID, prompt, nextRun.UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	return id, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched       Schedule
		lastSession sql.NullString
		lastRun     sql.NullTime
		nextRun     sql.NullTime
	)
	if err := row.Scan(
		&sched.ID, &sched.Name, &sched.CronExpr, &sched.AgentID, &sched.Prompt,
		&lastSession, &lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sched.LastSessionID = lastSession.String
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRunAt = &t
	}
	return &sched, nil
}

const scheduleColumns = `id, name, cron_expr, agent_id, prompt, last_session_id, last_run_at, next_run_at, created_at, updated_at`

// GetSchedule loads one schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select schedule: %w", err)
	}
	return sched, nil
}

// DueSchedules returns schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var due []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		due = append(due, *sched)
	}
	return due, rows.Err()
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// UpdateScheduleRun records a firing and the next computed run time.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ranAt.UTC(), nextRun.UTC(), id)
		return err
	})
}

// DisableSchedule clears next_run_at so the due query skips the schedule
// until it is edited.
func (s *Store) DisableSchedule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET next_run_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	})
}

// SetScheduleSession remembers the session a schedule's task ran in so the
// next firing can reuse it.
func (s *Store) SetScheduleSession(ctx context.Context, id, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID, id)
		return err
	})
}
