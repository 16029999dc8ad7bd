// Package hydrator implements lifecycle.Hydrator against Postgres: the
// concrete "three parallel loads plus one dependent step" of spec.md §4.5
// "Hydration". Skill-index refresh has no backing store yet in this
// control plane, so it is a logged no-op; memory context is optional by
// contract and is sourced from the job's own checkpoint blob rather than a
// separate vector store, since none is wired.
package hydrator

import (
	"context"
	"log"

	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// DBHydrator hydrates agent state from the control plane's own tables.
type DBHydrator struct {
	db *database.DB
}

// New constructs a DBHydrator.
func New(db *database.DB) *DBHydrator {
	return &DBHydrator{db: db}
}

// LoadCheckpointAndJob returns the agent's most recent job (carrying its
// checkpoint, if any), or nil if the agent has never run a job.
func (h *DBHydrator) LoadCheckpointAndJob(ctx context.Context, agentID int64) (*models.Job, error) {
	job, err := h.db.FindLatestJobForAgent(agentID)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// LoadAgentIdentity loads the agent's row (role, model config, resource limits).
func (h *DBHydrator) LoadAgentIdentity(ctx context.Context, agentID int64) (*models.Agent, error) {
	return h.db.GetAgent(agentID)
}

// RefreshSkillIndex is a no-op: this deployment has no skill-index store.
func (h *DBHydrator) RefreshSkillIndex(ctx context.Context, agentID int64) error {
	log.Printf("[hydrator] no skill index backing store configured, skipping refresh for agent %d", agentID)
	return nil
}

// FetchMemoryContext returns the job's own checkpoint blob, if one is
// present, as the agent's resumable memory context; a nil job or missing
// checkpoint is not an error, since hydration proceeds without it.
func (h *DBHydrator) FetchMemoryContext(ctx context.Context, agentID int64, job *models.Job, agent *models.Agent) ([]byte, error) {
	if job == nil || job.Checkpoint == nil {
		return nil, nil
	}
	return []byte(*job.Checkpoint), nil
}
