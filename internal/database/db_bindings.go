// This file contains the database method backing the "binding service"
// referenced by spec.md §4.8 step 1: resolving which agent (and which
// user account) owns a given chat-channel identity.

package database

import (
	"fmt"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// FindBinding resolves (channelType, chatId) to the agent and user account
// responsible for it, or sql.ErrNoRows (check with IsNoRows) if no operator
// has provisioned a binding for that identity yet.
func (db *DB) FindBinding(channelType, chatID string) (*models.ChannelBinding, error) {
	var b models.ChannelBinding
	query := `SELECT * FROM channel_bindings WHERE channel_type = $1 AND chat_id = $2`
	if err := db.Get(&b, query, channelType, chatID); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBinding provisions a new channel binding. Used by operator tooling
// and by test fixtures; dispatch itself only reads bindings.
func (db *DB) CreateBinding(channelType, chatID string, agentID, userAccountID int64) (*models.ChannelBinding, error) {
	var created models.ChannelBinding
	query := `
        INSERT INTO channel_bindings (channel_type, chat_id, agent_id, user_account_id)
        VALUES ($1, $2, $3, $4)
        RETURNING *`
	if err := db.Get(&created, query, channelType, chatID, agentID, userAccountID); err != nil {
		return nil, fmt.Errorf("failed to create channel binding: %w", err)
	}
	return &created, nil
}
