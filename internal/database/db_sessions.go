// This file contains database methods related to sessions and session
// messages (spec.md §3, §4.8).

package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// FindActiveSession returns the active session for (agentId, userAccountId,
// channelId), or sql.ErrNoRows if none exists.
func (db *DB) FindActiveSession(agentID, userAccountID int64, channelID string) (*models.Session, error) {
	var s models.Session
	query := `
        SELECT * FROM sessions
        WHERE agent_id = $1 AND user_account_id = $2 AND channel_id = $3 AND status = 'active'`
	err := db.Get(&s, query, agentID, userAccountID, channelID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindOrCreateActiveSession implements the "at most one active session per
// (agentId, userAccountId, channelId)" invariant from spec.md §3: it looks
// up the existing active session, or inserts a new one if none is found.
func (db *DB) FindOrCreateActiveSession(agentID, userAccountID int64, channelID string) (*models.Session, error) {
	existing, err := db.FindActiveSession(agentID, userAccountID, channelID)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}

	var created models.Session
	query := `
        INSERT INTO sessions (agent_id, user_account_id, channel_id, status)
        VALUES ($1, $2, $3, 'active')
        RETURNING *`
	if err := db.Get(&created, query, agentID, userAccountID, channelID); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &created, nil
}

// ListSessionsForAgent returns every session for an agent, most recent first.
func (db *DB) ListSessionsForAgent(agentID int64) ([]models.Session, error) {
	var sessions []models.Session
	query := `SELECT * FROM sessions WHERE agent_id = $1 ORDER BY created_at DESC`
	if err := db.Select(&sessions, query, agentID); err != nil {
		return nil, fmt.Errorf("failed to list sessions for agent %d: %w", agentID, err)
	}
	return sessions, nil
}

// EndSession transitions a session to 'ended'.
func (db *DB) EndSession(sessionID int64) error {
	_, err := db.Exec(`UPDATE sessions SET status = 'ended', ended_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session %d: %w", sessionID, err)
	}
	return nil
}

// AppendSessionMessage inserts one append-only session message row.
func (db *DB) AppendSessionMessage(sessionID int64, role models.MessageRole, content string) (*models.SessionMessage, error) {
	var msg models.SessionMessage
	query := `
        INSERT INTO session_messages (session_id, role, content)
        VALUES ($1, $2, $3)
        RETURNING *`
	if err := db.Get(&msg, query, sessionID, role, content); err != nil {
		return nil, fmt.Errorf("failed to append session message: %w", err)
	}
	return &msg, nil
}

// RecentHistory loads up to limit prior {user,assistant} messages for a
// session in chronological order, excluding the row at excludeMessageID
// (the just-inserted current prompt, per spec.md §4.8 step 4).
func (db *DB) RecentHistory(sessionID int64, limit int, excludeMessageID int64) ([]models.SessionMessage, error) {
	var recent []models.SessionMessage
	query := `
        SELECT * FROM session_messages
        WHERE session_id = $1 AND id != $2
        ORDER BY created_at DESC
        LIMIT $3`
	if err := db.Select(&recent, query, sessionID, excludeMessageID, limit); err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	// Query returns newest-first for the LIMIT to bite the right end;
	// reverse in place to hand back chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

// GetSessionMessages loads the full, chronological message history for a
// session (spec.md's GET /sessions/:id/messages).
func (db *DB) GetSessionMessages(sessionID int64) ([]models.SessionMessage, error) {
	var messages []models.SessionMessage
	query := `SELECT * FROM session_messages WHERE session_id = $1 ORDER BY created_at ASC`
	if err := db.Select(&messages, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}
	return messages, nil
}

// DeleteSession removes a session and its messages; foreign keys cascade.
func (db *DB) DeleteSession(sessionID int64) (err error) {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	var exists bool
	if err = tx.Get(&exists, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, sessionID); err != nil {
		return fmt.Errorf("failed to verify session: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}

	if _, err = tx.Exec(`DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session row: %w", err)
	}
	return nil
}

// SessionMessagesResponse marshals a slice of messages the way the REST
// handlers return them; kept here so handlers never touch db rows directly.
func SessionMessagesResponse(messages []models.SessionMessage) (json.RawMessage, error) {
	return json.Marshal(messages)
}
