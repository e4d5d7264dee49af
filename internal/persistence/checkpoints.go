package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CheckpointRecord is one durable snapshot of graph state, keyed by
// (threadID, namespace, checkpointID). Checkpoints for a thread form a
// linked history through ParentCheckpointID; rows are never mutated, only
// superseded.
type CheckpointRecord struct {
	ThreadID           string    `json:"thread_id"`
	Namespace          string    `json:"namespace"`
	CheckpointID       string    `json:"checkpoint_id"`
	ParentCheckpointID string    `json:"parent_checkpoint_id,omitempty"`
	State              string    `json:"state"`
	Metadata           string    `json:"metadata"`
	CreatedAt          time.Time `json:"created_at"`
}

// PendingWrite is a tool result awaiting merge into the next checkpoint.
// Writes for a checkpoint are only valid until the next checkpoint for the
// same thread is committed.
type PendingWrite struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpoint_id"`
	TaskID       string `json:"task_id"`
	Index        int    `json:"index"`
	Channel      string `json:"channel"`
	Value        string `json:"value"`
}

// PutCheckpoint writes a new checkpoint row and clears pending writes
// attached to its parent, which the new snapshot has absorbed.
func (s *Store) PutCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	if rec.ThreadID == "" || rec.Namespace == "" || rec.CheckpointID == "" {
		return fmt.Errorf("checkpoint key fields are required")
	}
	if rec.Metadata == "" {
		rec.Metadata = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_checkpoint_id, state_json, metadata_json, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id, namespace, checkpoint_id) DO NOTHING;
		`, rec.ThreadID, rec.Namespace, rec.CheckpointID, rec.ParentCheckpointID, rec.State, rec.Metadata); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		if rec.ParentCheckpointID != "" {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM pending_writes
				WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?;
			`, rec.ThreadID, rec.Namespace, rec.ParentCheckpointID); err != nil {
				return fmt.Errorf("clear absorbed pending writes: %w", err)
			}
		}
		return tx.Commit()
	})
}

// GetCheckpoint loads one checkpoint by its full key.
func (s *Store) GetCheckpoint(ctx context.Context, threadID, namespace, checkpointID string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, namespace, checkpoint_id, parent_checkpoint_id, state_json, metadata_json, created_at
		FROM checkpoints
		WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?;
	`, threadID, namespace, checkpointID).Scan(
		&rec.ThreadID, &rec.Namespace, &rec.CheckpointID, &parent, &rec.State, &rec.Metadata, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	rec.ParentCheckpointID = parent.String
	return &rec, nil
}

// LatestCheckpoint returns the most recent checkpoint for a thread, or nil
// when the thread has none.
func (s *Store) LatestCheckpoint(ctx context.Context, threadID, namespace string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, namespace, checkpoint_id, parent_checkpoint_id, state_json, metadata_json, created_at
		FROM checkpoints
		WHERE thread_id = ? AND namespace = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, threadID, namespace).Scan(
		&rec.ThreadID, &rec.Namespace, &rec.CheckpointID, &parent, &rec.State, &rec.Metadata, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest checkpoint: %w", err)
	}
	rec.ParentCheckpointID = parent.String
	return &rec, nil
}

// PutPendingWrite stores one tool result tied to the checkpoint that
// produced it.
func (s *Store) PutPendingWrite(ctx context.Context, w PendingWrite) error {
	if w.ThreadID == "" || w.Namespace == "" || w.CheckpointID == "" || w.TaskID == "" {
		return fmt.Errorf("pending write key fields are required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_writes (thread_id, namespace, checkpoint_id, task_id, idx, channel, value_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id, namespace, checkpoint_id, task_id, idx) DO UPDATE SET
				channel = excluded.channel,
				value_json = excluded.value_json;
		`, w.ThreadID, w.Namespace, w.CheckpointID, w.TaskID, w.Index, w.Channel, w.Value)
		return err
	})
}

// PendingWrites returns the writes attached to one checkpoint, in index
// order.
func (s *Store) PendingWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, namespace, checkpoint_id, task_id, idx, channel, value_json
		FROM pending_writes
		WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?
		ORDER BY task_id ASC, idx ASC;
	`, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("list pending writes: %w", err)
	}
	defer rows.Close()

	var writes []PendingWrite
	for rows.Next() {
		var w PendingWrite
		if err := rows.Scan(&w.ThreadID, &w.Namespace, &w.CheckpointID, &w.TaskID, &w.Index, &w.Channel, &w.Value); err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// DeleteThreadCheckpoints removes a thread's checkpoints and pending
// writes. Called when the owning task completes; cleanup, not
// correctness-critical.
func (s *Store) DeleteThreadCheckpoints(ctx context.Context, threadID, namespace string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint cleanup tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM pending_writes WHERE thread_id = ? AND namespace = ?;
		`, threadID, namespace); err != nil {
			return fmt.Errorf("delete pending writes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoints WHERE thread_id = ? AND namespace = ?;
		`, threadID, namespace); err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		return tx.Commit()
	})
}

// CheckpointHistory returns a thread's checkpoints oldest first.
func (s *Store) CheckpointHistory(ctx context.Context, threadID, namespace string) ([]CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, namespace, checkpoint_id, parent_checkpoint_id, state_json, metadata_json, created_at
		FROM checkpoints
		WHERE thread_id = ? AND namespace = ?
		ORDER BY created_at ASC, rowid ASC;
	`, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var records []CheckpointRecord
	for rows.Next() {
		var rec CheckpointRecord
		var parent sql.NullString
		if err := rows.Scan(&rec.ThreadID, &rec.Namespace, &rec.CheckpointID, &parent, &rec.State, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		rec.ParentCheckpointID = parent.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
