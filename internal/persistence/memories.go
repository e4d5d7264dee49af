package persistence

import (
	"context"
	"database/sql"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// AgentMemory is a stored fact with relevance scoring, written and read by
// the store-memory and search-memory tools.
type AgentMemory struct {
	ID             int64
	AgentID        string
	Key            string
	Value          string
	Source         string // 'user', 'agent', 'system'
	RelevanceScore float64
	AccessCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessed   time.Time
}

// SetMemory stores or updates a memory (UPSERT). Resets relevance to 1.0 on
// update.
func (s *Store) SetMemory(ctx context.Context, agentID, key, value, source string) error {
	stmt := `
		INSERT INTO agent_memories (agent_id, key, value, source, relevance_score, access_count, created_at, updated_at, last_accessed)
		VALUES (?, ?, ?, ?, 1.0, 0, datetime('now'), datetime('now'), datetime('now'))
		ON CONFLICT(agent_id, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			relevance_score = 1.0,
			updated_at = datetime('now'),
			last_accessed = datetime('now')
	`
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, stmt, agentID, key, value, source)
		return err
	})
}

func scanMemoryRows(rows *sql.Rows) ([]AgentMemory, error) {
	var memories []AgentMemory
	for rows.Next() {
		var m AgentMemory
		var createdStr, updatedStr, accessedStr string
		err := rows.Scan(&m.ID, &m.AgentID, &m.Key, &m.Value, &m.Source, &m.RelevanceScore, &m.AccessCount, &createdStr, &updatedStr, &accessedStr)
		if err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		m.UpdatedAt, _ = time.Parse(timeLayout, updatedStr)
		m.LastAccessed, _ = time.Parse(timeLayout, accessedStr)
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// GetMemory retrieves a single memory by key.
func (s *Store) GetMemory(ctx context.Context, agentID, key string) (AgentMemory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, key, value, source, relevance_score, access_count, created_at, updated_at, last_accessed
		FROM agent_memories
		WHERE agent_id = ? AND key = ?
	`, agentID, key)

	var m AgentMemory
	var createdStr, updatedStr, accessedStr string
	if err := row.Scan(&m.ID, &m.AgentID, &m.Key, &m.Value, &m.Source, &m.RelevanceScore, &m.AccessCount, &createdStr, &updatedStr, &accessedStr); err != nil {
		return AgentMemory{}, err
	}
	m.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	m.UpdatedAt, _ = time.Parse(timeLayout, updatedStr)
	m.LastAccessed, _ = time.Parse(timeLayout, accessedStr)
	return m, nil
}

// ListMemories returns all memories for an agent, most relevant first.
func (s *Store) ListMemories(ctx context.Context, agentID string) ([]AgentMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, key, value, source, relevance_score, access_count, created_at, updated_at, last_accessed
		FROM agent_memories
		WHERE agent_id = ?
		ORDER BY relevance_score DESC, updated_at DESC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// SearchMemories finds memories matching a query on key or value, most
// relevant first.
func (s *Store) SearchMemories(ctx context.Context, agentID, query string) ([]AgentMemory, error) {
	likeQuery := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, key, value, source, relevance_score, access_count, created_at, updated_at, last_accessed
		FROM agent_memories
		WHERE agent_id = ? AND (key LIKE ? OR value LIKE ?)
		ORDER BY relevance_score DESC, updated_at DESC
	`, agentID, likeQuery, likeQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// TouchMemory increments access_count, updates last_accessed, and boosts
// relevance slightly. Called when a search result is returned to the agent.
func (s *Store) TouchMemory(ctx context.Context, agentID, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_memories
			SET access_count = access_count + 1,
			    last_accessed = datetime('now'),
			    relevance_score = MIN(1.0, relevance_score + 0.05)
			WHERE agent_id = ? AND key = ?
		`, agentID, key)
		return err
	})
}

// DeleteMemory removes a memory by key.
func (s *Store) DeleteMemory(ctx context.Context, agentID, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_memories WHERE agent_id = ? AND key = ?`, agentID, key)
		return err
	})
}
