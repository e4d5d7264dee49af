package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRecord represents a row in the agents table.
type AgentRecord struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Persona      string    `json:"persona"`
	Instructions string    `json:"instructions"`
	Skills       string    `json:"skills"`
	APIKeyEnv    string    `json:"api_key_env"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const agentColumns = `id, display_name, provider, model, persona, instructions, skills, api_key_env, status, created_at, updated_at`

// UpsertAgent creates or updates an agent definition.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if rec.Status == "" {
		rec.Status = "active"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, display_name, provider, model, persona, instructions, skills, api_key_env, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				provider = excluded.provider,
				model = excluded.model,
				persona = excluded.persona,
				instructions = excluded.instructions,
				skills = excluded.skills,
				api_key_env = excluded.api_key_env,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.AgentID, rec.DisplayName, rec.Provider, rec.Model, rec.Persona, rec.Instructions, rec.Skills, rec.APIKeyEnv, rec.Status)
		return err
	})
}

// GetAgent loads one agent. Returns sql.ErrNoRows when the agent does not
// exist; the queue treats that as a configuration error.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ?;
	`, agentID).Scan(
		&rec.AgentID, &rec.DisplayName, &rec.Provider, &rec.Model, &rec.Persona,
		&rec.Instructions, &rec.Skills, &rec.APIKeyEnv, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all agents ordered by ID.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ` + agentColumns + ` FROM agents ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := rows.Scan(
			&rec.AgentID, &rec.DisplayName, &rec.Provider, &rec.Model, &rec.Persona,
			&rec.Instructions, &rec.Skills, &rec.APIKeyEnv, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, rec)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent definition. Tasks referencing it will
// dead-letter on their next attempt with a missing-agent reason.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, agentID)
		return err
	})
}
