package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-drover/internal/bus"
)

// CreateTaskParams carries the caller-supplied fields for a new task.
type CreateTaskParams struct {
	Title           string
	Description     string
	AgentID         string
	ScheduleID      string
	MaxAttempts     int
	RetryBackoffSec int
	Backlog         bool // create in backlog instead of queued
}

// CreateTask inserts a new task. Unless Backlog is set the task is created
// queued and appended to the queue in the same transaction.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (string, error) {
	taskID := uuid.NewString()
	if p.AgentID == "" {
		p.AgentID = "default"
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.RetryBackoffSec <= 0 {
		p.RetryBackoffSec = defaultRetryBackoffSec
	}
	status := TaskStatusQueued
	if p.Backlog {
		status = TaskStatusBacklog
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, agent_id, schedule_id, status, max_attempts, retry_backoff_sec, queued_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, CASE WHEN ? = 'queued' THEN CURRENT_TIMESTAMP ELSE NULL END, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, p.Title, p.Description, p.AgentID, p.ScheduleID, status, p.MaxAttempts, p.RetryBackoffSec, status); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if status == TaskStatusQueued {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_queue (task_id) VALUES (?) ON CONFLICT(task_id) DO NOTHING;
			`, taskID); err != nil {
				return fmt.Errorf("insert queue entry: %w", err)
			}
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", status, "task.created", "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}

	s.bus.Notify(bus.TopicTasks, "created", taskID)
	return taskID, nil
}

// EnqueueTask moves a task into the queued state and appends it to the
// queue. Idempotent: enqueueing an already queued task never produces a
// duplicate queue entry. Clears any retry schedule so the task is
// immediately runnable.
func (s *Store) EnqueueTask(ctx context.Context, taskID string) error {
	var notFound bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				notFound = true
				return nil
			}
			return fmt.Errorf("select task for enqueue: %w", err)
		}

		switch current {
		case TaskStatusBacklog:
			ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusBacklog}, TaskStatusQueued, "task.queued", "{}", nil, nil)
			if err != nil {
				return err
			}
			if !ok {
				notFound = true
				return nil
			}
		case TaskStatusQueued:
			// Already queued; just make sure the queue entry exists below.
		default:
			return fmt.Errorf("cannot enqueue task in status %s", current)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET retry_scheduled_at = NULL, queued_at = COALESCE(queued_at, CURRENT_TIMESTAMP), updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("clear retry schedule: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue (task_id) VALUES (?) ON CONFLICT(task_id) DO NOTHING;
		`, taskID); err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if notFound {
		return sql.ErrNoRows
	}

	s.bus.NotifyWithPayload(bus.TopicTaskStateChange, "queued", taskID, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		NewStatus: string(TaskStatusQueued),
	})
	return nil
}

// QueueEntries returns the queued task IDs in FIFO order.
func (s *Store) QueueEntries(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM task_queue ORDER BY position ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneQueue removes queue entries whose task is missing or no longer
// queued. Stale entries accumulate when collaborators mutate tasks
// directly; the dequeue pass prunes them lazily.
func (s *Store) PruneQueue(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_queue
			WHERE task_id NOT IN (SELECT id FROM tasks WHERE status = 'queued');
		`)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune queue: %w", err)
	}
	return affected, nil
}

// DequeueNextRunnable picks the first queue entry whose task is queued and
// either has no retry schedule or whose retry time has passed, removes it
// from the queue, and returns the task. Entries still in backoff keep their
// queue position. Returns nil when nothing is runnable.
func (s *Store) DequeueNextRunnable(ctx context.Context, now time.Time) (*Task, error) {
	var picked *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dequeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var taskID string
		err = tx.QueryRowContext(ctx, `
			SELECT q.task_id
			FROM task_queue q
			JOIN tasks t ON t.id = q.task_id
			WHERE t.status = 'queued'
			  AND (t.retry_scheduled_at IS NULL OR t.retry_scheduled_at <= ?)
			ORDER BY q.position ASC
			LIMIT 1;
		`, now.UTC()).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select runnable entry: %w", err)
		}

		// Remove the entry before releasing the transaction so a crash
		// mid-attempt cannot re-run the same dequeued task.
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("remove queue entry: %w", err)
		}
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dequeue tx: %w", err)
		}
		picked = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// StartTask transitions a dequeued task to running, binds it to its
// execution session, and clears stale error/validation state from earlier
// attempts.
func (s *Store) StartTask(ctx context.Context, taskID, sessionID string) error {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err = s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusQueued}, TaskStatusRunning, "task.running", "{}", nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET session_id = ?,
				error = NULL,
				validation_json = NULL,
				pending_approval_json = NULL,
				retry_scheduled_at = NULL,
				started_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, sessionID, taskID, TaskStatusRunning); err != nil {
			return fmt.Errorf("bind session on start: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}

	s.bus.NotifyWithPayload(bus.TopicTaskStateChange, "running", taskID, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		SessionID: sessionID,
		OldStatus: string(TaskStatusQueued),
		NewStatus: string(TaskStatusRunning),
	})
	return nil
}

// TouchTask bumps updated_at so the stall sweep sees the task making
// progress. Called as the graph streams steps.
func (s *Store) TouchTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, taskID)
		return err
	})
}

// CompleteTask transitions a running task to completed and records the
// validated result, report path, and checkpoint note.
func (s *Store) CompleteTask(ctx context.Context, taskID, result, reportPath, checkpointNote string) error {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err = s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusCompleted, "task.completed", `{"reason":"validated"}`, &result, nil)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET error = NULL,
				completion_report_path = ?,
				checkpoint_note = ?,
				completed_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, reportPath, checkpointNote, taskID, TaskStatusCompleted); err != nil {
			return fmt.Errorf("record completion metadata: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}

	s.bus.Notify(bus.TopicTaskCompleted, "completed", taskID)
	return nil
}

// NextRetryAt returns the earliest future backoff expiry among queued
// tasks, or nil when nothing is waiting on backoff.
func (s *Store) NextRetryAt(ctx context.Context, now time.Time) (*time.Time, error) {
	var next time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT retry_scheduled_at FROM tasks
		WHERE status = ? AND retry_scheduled_at > ?
		ORDER BY retry_scheduled_at ASC
		LIMIT 1;
	`, TaskStatusQueued, now.UTC()).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next retry time: %w", err)
	}
	return &next, nil
}

// HandleTaskFailure applies the retry/backoff/dead-letter decision for a
// running task. Attempts below maxAttempts go back to queued with
// retry_scheduled_at = now + min(6h, backoffSec * 2^(attempts-1)); the
// final attempt dead-letters the task.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, reasonCode, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	var notFound bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status      TaskStatus
			attempts    int
			maxAttempts int
			backoffSec  int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempts, max_attempts, retry_backoff_sec
			FROM tasks
			WHERE id = ?;
		`, taskID).Scan(&status, &attempts, &maxAttempts, &backoffSec); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				notFound = true
				return nil
			}
			return fmt.Errorf("select task for failure handling: %w", err)
		}
		if status != TaskStatusRunning {
			notFound = true
			return nil
		}
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		nextAttempt := attempts + 1
		decision = FailureDecision{
			Attempt:     nextAttempt,
			MaxAttempts: maxAttempts,
			ReasonCode:  reasonCode,
		}

		if nextAttempt >= maxAttempts {
			decision.Outcome = FailureOutcomeDeadLetter
			decision.ReasonCode = ReasonDeadLetterMaxAttempts
			ok, err := s.transitionTaskTx(
				ctx, tx, taskID,
				[]TaskStatus{TaskStatusRunning},
				TaskStatusFailed,
				"task.dead_lettered",
				fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d}`, decision.ReasonCode, nextAttempt, maxAttempts),
				nil, &errMsg,
			)
			if err != nil {
				return err
			}
			if !ok {
				notFound = true
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET attempts = ?,
					last_reason_code = ?,
					dead_lettered_at = CURRENT_TIMESTAMP,
					retry_scheduled_at = NULL,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, nextAttempt, decision.ReasonCode, taskID, TaskStatusFailed); err != nil {
				return fmt.Errorf("record dead-letter metadata: %w", err)
			}
			return tx.Commit()
		}

		delay := RetryDelay(backoffSec, nextAttempt)
		backoffUntil := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &backoffUntil

		ok, err := s.transitionTaskTx(
			ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning},
			TaskStatusQueued,
			"task.retry_scheduled",
			fmt.Sprintf(`{"reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`, reasonCode, nextAttempt, maxAttempts, delay.Milliseconds()),
			nil, &errMsg,
		)
		if err != nil {
			return err
		}
		if !ok {
			notFound = true
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET attempts = ?,
				last_reason_code = ?,
				retry_scheduled_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextAttempt, reasonCode, backoffUntil, taskID, TaskStatusQueued); err != nil {
			return fmt.Errorf("record retry metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue (task_id) VALUES (?) ON CONFLICT(task_id) DO NOTHING;
		`, taskID); err != nil {
			return fmt.Errorf("requeue for retry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}
	if notFound {
		return FailureDecision{}, sql.ErrNoRows
	}

	switch decision.Outcome {
	case FailureOutcomeRetried:
		s.bus.NotifyWithPayload(bus.TopicTaskRetrying, "retrying", taskID, decision)
	case FailureOutcomeDeadLetter:
		s.bus.NotifyWithPayload(bus.TopicTaskDeadLetter, "dead_lettered", taskID, decision)
	}
	return decision, nil
}

// DeadLetterConfigError terminally fails a queued task without consuming a
// retry. Used when the task cannot run at all, e.g. its agent is missing.
func (s *Store) DeadLetterConfigError(ctx context.Context, taskID, reasonCode, errMsg string) error {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin config dead-letter tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err = s.transitionTaskTx(
			ctx, tx, taskID,
			[]TaskStatus{TaskStatusQueued, TaskStatusRunning},
			TaskStatusFailed,
			"task.dead_lettered",
			fmt.Sprintf(`{"reason_code":%q,"configuration_error":true}`, reasonCode),
			nil, &errMsg,
		)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET last_reason_code = ?, dead_lettered_at = CURRENT_TIMESTAMP, retry_scheduled_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, reasonCode, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("record config dead-letter metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("remove dead-lettered queue entry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}

	s.bus.Notify(bus.TopicTaskDeadLetter, "dead_lettered", taskID)
	return nil
}

// DemoteCompletedTask moves a task that no longer passes validation from
// completed back to failed. Used by the completed-task audit sweep.
func (s *Store) DemoteCompletedTask(ctx context.Context, taskID string, reasons []string) error {
	msg := "completion audit failed: " + strings.Join(reasons, "; ")
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin demote tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err = s.transitionTaskTx(
			ctx, tx, taskID,
			[]TaskStatus{TaskStatusCompleted},
			TaskStatusFailed,
			"task.demoted",
			fmt.Sprintf(`{"reason_code":%q}`, ReasonDemotedByAudit),
			nil, &msg,
		)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET last_reason_code = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, ReasonDemotedByAudit, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("record demotion metadata: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}

	s.bus.Notify(bus.TopicTaskFailed, "demoted", taskID)
	return nil
}

// RequestCancel marks a task for cooperative cancellation. The graph
// observes the flag between steps.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('queued', 'running');
		`, taskID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return affected == 1, nil
}

// IsCancelRequested reports whether cancellation has been requested.
func (s *Store) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag == 1, nil
}

// SetTaskValidation stores the validator's verdict on the task.
func (s *Store) SetTaskValidation(ctx context.Context, taskID string, v TaskValidation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal validation: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET validation_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(data), taskID)
		return err
	})
}

// SetPendingApproval records a strict-mode interrupt awaiting sign-off.
func (s *Store) SetPendingApproval(ctx context.Context, taskID string, pa PendingApproval) error {
	data, err := json.Marshal(pa)
	if err != nil {
		return fmt.Errorf("marshal pending approval: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET pending_approval_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(data), taskID)
		return err
	})
}

// ClearPendingApproval removes the interrupt marker after resume or reject.
func (s *Store) ClearPendingApproval(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET pending_approval_json = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID)
		return err
	})
}

// Failure comments embed an attempt counter and a retry timestamp that
// change on every retry; dedupe compares what is left after stripping
// them, so repeated failures of the same class collapse.
var (
	commentAttemptPattern = regexp.MustCompile(`\b\d+/\d+\b`)
	commentTimePattern    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`)
)

func commentClass(body string) string {
	c := commentAttemptPattern.ReplaceAllString(body, "")
	return commentTimePattern.ReplaceAllString(c, "")
}

// AppendTaskComment appends to the task's comment log. When the most recent
// comment has the same author and the same error class the append is
// suppressed, so repeated identical failures do not flood the log.
func (s *Store) AppendTaskComment(ctx context.Context, taskID, author, body string) (string, error) {
	last, err := s.LastTaskComment(ctx, taskID)
	if err == nil && last != nil && last.Author == author &&
		hashString(commentClass(last.Body)) == hashString(commentClass(body)) {
		return last.ID, nil
	}

	commentID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_comments (id, task_id, author, body, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, commentID, taskID, author, body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("append comment: %w", err)
	}
	return commentID, nil
}

// LastTaskComment returns the most recent comment, or nil when none exist.
func (s *Store) LastTaskComment(ctx context.Context, taskID string) (*TaskComment, error) {
	var c TaskComment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, author, body, created_at
		FROM task_comments
		WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, taskID).Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select last comment: %w", err)
	}
	return &c, nil
}

// ListTaskComments returns a task's comments oldest first.
func (s *Store) ListTaskComments(ctx context.Context, taskID string) ([]TaskComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author, body, created_at
		FROM task_comments
		WHERE task_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []TaskComment
	for rows.Next() {
		var c TaskComment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

const taskColumns = `
	id, title, description, agent_id, COALESCE(schedule_id, ''), status, COALESCE(session_id, ''),
	attempts, max_attempts, retry_backoff_sec, retry_scheduled_at, dead_lettered_at,
	cancel_requested, COALESCE(last_reason_code, ''), result, COALESCE(error, ''),
	validation_json, completion_report_path, checkpoint_note, pending_approval_json,
	created_at, queued_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task            Task
		retryAt         sql.NullTime
		deadAt          sql.NullTime
		queuedAt        sql.NullTime
		startedAt       sql.NullTime
		completedAt     sql.NullTime
		cancelRequested int
		validationJSON  sql.NullString
		approvalJSON    sql.NullString
	)
	if err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.AgentID, &task.ScheduleID, &task.Status, &task.SessionID,
		&task.Attempts, &task.MaxAttempts, &task.RetryBackoffSec, &retryAt, &deadAt,
		&cancelRequested, &task.LastReasonCode, &task.Result, &task.Error,
		&validationJSON, &task.CompletionReportPath, &task.CheckpointNote, &approvalJSON,
		&task.CreatedAt, &queuedAt, &startedAt, &completedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.CancelRequested = cancelRequested == 1
	if retryAt.Valid {
		t := retryAt.Time
		task.RetryScheduledAt = &t
	}
	if deadAt.Valid {
		t := deadAt.Time
		task.DeadLetteredAt = &t
	}
	if queuedAt.Valid {
		t := queuedAt.Time
		task.QueuedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if validationJSON.Valid && validationJSON.String != "" {
		var v TaskValidation
		if err := json.Unmarshal([]byte(validationJSON.String), &v); err == nil {
			task.Validation = &v
		}
	}
	if approvalJSON.Valid && approvalJSON.String != "" {
		var pa PendingApproval
		if err := json.Unmarshal([]byte(approvalJSON.String), &pa); err == nil {
			task.PendingApproval = &pa
		}
	}
	return &task, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// GetTask loads one task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// StalledRunningTasks returns running tasks whose last progress timestamp
// (the later of updated_at and started_at) is older than the stall timeout.
func (s *Store) StalledRunningTasks(ctx context.Context, stallTimeout time.Duration) ([]Task, error) {
	cutoff := time.Now().UTC().Add(-stallTimeout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'running'
		  AND MAX(COALESCE(started_at, updated_at), updated_at) < ?
		ORDER BY updated_at ASC;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stalled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// QueuedTasksMissingFromQueue finds tasks whose status is queued but which
// have no queue entry. This happens when a crash lands between a status
// write and the queue write; boot recovery re-inserts them.
func (s *Store) QueuedTasksMissingFromQueue(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'queued'
		  AND id NOT IN (SELECT task_id FROM task_queue)
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list orphaned queued tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecoverRunningTasks requeues tasks left in running by a previous process.
// Called once at boot before the queue loop starts. Returns the number of
// tasks requeued.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int64, error) {
	tasks, err := s.ListTasksByStatus(ctx, TaskStatusRunning)
	if err != nil {
		return 0, err
	}
	var recovered int64
	for _, task := range tasks {
		err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin recover tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			ok, err := s.transitionTaskTx(ctx, tx, task.ID, []TaskStatus{TaskStatusRunning}, TaskStatusQueued, "task.recovered", `{"reason":"boot_recovery"}`, nil, nil)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_queue (task_id) VALUES (?) ON CONFLICT(task_id) DO NOTHING;
			`, task.ID); err != nil {
				return fmt.Errorf("requeue recovered task: %w", err)
			}
			recovered++
			return tx.Commit()
		})
		if err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// TaskCounts returns the number of queued and running tasks.
func (s *Store) TaskCounts(ctx context.Context) (queued, running int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`).Scan(&queued, &running)
	if err != nil {
		return 0, 0, fmt.Errorf("task counts: %w", err)
	}
	return queued, running, nil
}

// QueueDepth returns the number of queue entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue;`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
