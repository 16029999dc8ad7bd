// This file contains database methods related to agents.

package database

import (
	"database/sql"
	"fmt"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// GetAgent retrieves a single agent by its numeric id.
func (db *DB) GetAgent(agentID int64) (*models.Agent, error) {
	var agent models.Agent
	err := db.Get(&agent, `SELECT * FROM agents WHERE id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %d: %w", agentID, err)
	}
	return &agent, nil
}

// GetAgentBySlug retrieves a single active agent by its stable slug.
func (db *DB) GetAgentBySlug(slug string) (*models.Agent, error) {
	var agent models.Agent
	err := db.Get(&agent, `SELECT * FROM agents WHERE slug = $1 AND deactivated = false`, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %q: %w", slug, err)
	}
	return &agent, nil
}

// ListAgents returns every non-deactivated agent, ordered by id.
func (db *DB) ListAgents() ([]models.Agent, error) {
	var agents []models.Agent
	err := db.Select(&agents, `SELECT * FROM agents WHERE deactivated = false ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// CreateAgent inserts a new agent row.
func (db *DB) CreateAgent(a *models.Agent) (*models.Agent, error) {
	var created models.Agent
	query := `
        INSERT INTO agents (slug, role, model_config, resource_limits, deactivated)
        VALUES ($1, $2, $3, $4, false)
        RETURNING *`
	err := db.Get(&created, query, a.Slug, a.Role, a.ModelConfig, a.ResourceLimits)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent %q: %w", a.Slug, err)
	}
	return &created, nil
}

// DeactivateAgent marks an agent deactivated; agents are never deleted.
func (db *DB) DeactivateAgent(agentID int64) error {
	res, err := db.Exec(`UPDATE agents SET deactivated = true, updated_at = now() WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to deactivate agent %d: %w", agentID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
