// Package persistence owns all durable state: tasks, the queue order,
// sessions and transcripts, agents, schedules, agent memories, and the
// checkpoint store backing resumable graph execution. Everything lives in
// one SQLite database opened in WAL mode with a single writer connection.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety. A checksum
	// mismatch for an applied version aborts startup rather than running
	// against an unknown schema.
	schemaVersionV1  = 1
	schemaChecksumV1 = "drover-v1-2026-08-20-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultMaxAttempts     = 3
	defaultRetryBackoffSec = 30

	// Exponential backoff for failed attempts is capped here, never unbounded.
	retryMaxDelay = 6 * time.Hour
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryExecutionError  = "RETRY_EXECUTION_ERROR"
	ReasonRetryValidation      = "RETRY_VALIDATION_FAILED"
	ReasonRetryStalled         = "RETRY_STALLED"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
	ReasonDeadLetterMissingAgent = "DEAD_LETTER_MISSING_AGENT"
	ReasonDemotedByAudit        = "DEMOTED_BY_AUDIT"
	ReasonRuntimeLimit          = "REACHED_RUNTIME_LIMIT"
	ReasonCanceled              = "CANCELED"
)

type TaskStatus string

const (
	TaskStatusBacklog   TaskStatus = "backlog"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusBacklog: {
		TaskStatusQueued: {},
	},
	TaskStatusQueued: {
		TaskStatusRunning: {},
		TaskStatusFailed:  {}, // Configuration error dead-letter (missing agent).
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusQueued:    {}, // Retry with backoff.
		TaskStatusFailed:    {}, // Dead-letter.
	},
	TaskStatusCompleted: {
		TaskStatusFailed: {}, // Audit sweep demotion.
	},
}

// TaskValidation is the validator's persisted verdict.
type TaskValidation struct {
	OK        bool      `json:"ok"`
	Reasons   []string  `json:"reasons"`
	CheckedAt time.Time `json:"checked_at"`
}

// PendingApproval records a strict-mode interrupt awaiting human sign-off.
type PendingApproval struct {
	ToolName string `json:"tool_name"`
	Args     string `json:"args"`
	ThreadID string `json:"thread_id"`
}

// TaskComment is one entry in a task's append-only comment log.
type TaskComment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the unit of orchestrated work. Mutated only inside queue
// transitions; collaborators append comments and the validator writes the
// validation verdict.
type Task struct {
	ID                   string           `json:"id"`
	Title                string           `json:"title"`
	Description          string           `json:"description"`
	AgentID              string           `json:"agent_id"`
	ScheduleID           string           `json:"schedule_id,omitempty"`
	Status               TaskStatus       `json:"status"`
	SessionID            string           `json:"session_id,omitempty"`
	Attempts             int              `json:"attempts"`
	MaxAttempts          int              `json:"max_attempts"`
	RetryBackoffSec      int              `json:"retry_backoff_sec"`
	RetryScheduledAt     *time.Time       `json:"retry_scheduled_at,omitempty"`
	DeadLetteredAt       *time.Time       `json:"dead_lettered_at,omitempty"`
	CancelRequested      bool             `json:"cancel_requested,omitempty"`
	LastReasonCode       string           `json:"last_reason_code,omitempty"`
	Result               string           `json:"result,omitempty"`
	Error                string           `json:"error,omitempty"`
	Validation           *TaskValidation  `json:"validation,omitempty"`
	CompletionReportPath string           `json:"completion_report_path,omitempty"`
	CheckpointNote       string           `json:"checkpoint_note,omitempty"`
	PendingApproval      *PendingApproval `json:"pending_approval,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	QueuedAt             *time.Time       `json:"queued_at,omitempty"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "retried"
	FailureOutcomeDeadLetter FailureOutcome = "dead_lettered"
)

// FailureDecision reports how a failed attempt was resolved.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode   string         `json:"reason_code"`
}

// TaskEvent is one audit row in the task_events ledger.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	RunID     string     `json:"run_id,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".drover", "drover.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			skills TEXT NOT NULL DEFAULT '',
			api_key_env TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT 'default',
			label TEXT NOT NULL DEFAULT '',
			heartbeat INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant', 'tool')),
			content TEXT NOT NULL,
			attachment_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT 'default',
			prompt TEXT NOT NULL DEFAULT '',
			last_session_id TEXT,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT 'default',
			schedule_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('backlog', 'queued', 'running', 'completed', 'failed')),
			session_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			retry_backoff_sec INTEGER NOT NULL DEFAULT 30,
			retry_scheduled_at DATETIME,
			dead_lettered_at DATETIME,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			last_reason_code TEXT,
			result TEXT NOT NULL DEFAULT '',
			error TEXT,
			validation_json TEXT,
			completion_report_path TEXT NOT NULL DEFAULT '',
			checkpoint_note TEXT NOT NULL DEFAULT '',
			pending_approval_json TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			queued_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			position INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id)
		);`,
		`CREATE TABLE IF NOT EXISTS task_comments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			author TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			run_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, namespace, checkpoint_id)
		);`,
		`CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, namespace, checkpoint_id, task_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'agent',
			relevance_score REAL NOT NULL DEFAULT 1.0,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_accessed DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (agent_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_schedule ON tasks(schedule_id) WHERE schedule_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, namespace, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = taskID
	}
	runID := shared.RunID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, runID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs a guarded status transition and records the
// audit event in the same transaction. Returns false without error when the
// task is missing or not in an allowed source state.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// RetryDelay computes the backoff before the next attempt: it doubles per
// attempt starting at backoffSec and is capped at six hours.
func RetryDelay(backoffSec, attempt int) time.Duration {
	if backoffSec <= 0 {
		backoffSec = defaultRetryBackoffSec
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(backoffSec) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, val)
		return err
	})
}

func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val.String, nil
}

// ListTaskEvents returns the audit trail for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(run_id, ''), COALESCE(trace_id, ''), event_type,
		       COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var from, to string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.RunID, &ev.TraceID, &ev.EventType, &from, &to, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = TaskStatus(from)
		ev.StateTo = TaskStatus(to)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeOldTaskEvents deletes audit rows older than the retention window for
// tasks already in a terminal state. Returns the number of rows removed.
func (s *Store) PurgeOldTaskEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events
			WHERE created_at < ?
			  AND task_id IN (SELECT id FROM tasks WHERE status IN ('completed', 'failed'));
		`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge task events: %w", err)
	}
	return affected, nil
}
