// This file contains database methods related to approval requests and
// their audit trail (spec.md §4.7).

package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// ErrAlreadyDecided is returned when a PENDING-only transition is attempted
// against a request that has already left the PENDING state.
var ErrAlreadyDecided = errors.New("approval request already decided")

// CreateApprovalRequest inserts a PENDING approval request row.
func (db *DB) CreateApprovalRequest(req *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	var created models.ApprovalRequest
	query := `
        INSERT INTO approval_requests
            (job_id, agent_id, action_type, action_summary, action_detail, token_hash, resume_payload, expires_at, status, risk_level)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', $9)
        RETURNING *`
	err := db.Get(&created, query,
		req.JobID, req.AgentID, req.ActionType, req.ActionSummary, req.ActionDetail,
		req.TokenHash, resumePayloadOrNull(req.ResumePayload), req.ExpiresAt, req.RiskLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	return &created, nil
}

// GetApprovalRequest retrieves a request by id.
func (db *DB) GetApprovalRequest(id int64) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	if err := db.Get(&req, `SELECT * FROM approval_requests WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetApprovalRequestByTokenHash finds a request by its token hash, whatever
// its status, used by decide() when the caller presents a bearer token
// rather than an id.
func (db *DB) GetApprovalRequestByTokenHash(tokenHash string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	err := db.Get(&req, `SELECT * FROM approval_requests WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListApprovalRequests returns all approval requests, most recent first.
func (db *DB) ListApprovalRequests() ([]models.ApprovalRequest, error) {
	var reqs []models.ApprovalRequest
	err := db.Select(&reqs, `SELECT * FROM approval_requests ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	return reqs, nil
}

// CountPendingApprovals returns the number of approval requests currently
// PENDING (internal/metrics ApprovalsPending gauge).
func (db *DB) CountPendingApprovals() (int, error) {
	var count int
	err := db.Get(&count, `SELECT count(*) FROM approval_requests WHERE status = 'PENDING'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending approvals: %w", err)
	}
	return count, nil
}

// DecideApprovalRequest atomically transitions a PENDING request to
// APPROVED or REJECTED, returning ErrAlreadyDecided if it has already left
// PENDING (including EXPIRED). The UPDATE's WHERE clause is the
// linearization point described in spec.md §5.
func (db *DB) DecideApprovalRequest(id int64, decision models.ApprovalStatus, decidedBy string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	query := `
        UPDATE approval_requests SET status = $1, decided_by = $2, decided_at = now()
        WHERE id = $3 AND status = 'PENDING'
        RETURNING *`
	err := db.Get(&req, query, decision, decidedBy, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAlreadyDecided
		}
		return nil, fmt.Errorf("failed to decide approval request %d: %w", id, err)
	}
	return &req, nil
}

// ExpirePendingApprovals transitions every PENDING request whose expiresAt
// has passed to EXPIRED, returning the ids that were reaped so the caller
// can fail their waiting jobs.
func (db *DB) ExpirePendingApprovals() ([]int64, error) {
	var ids []int64
	query := `
        UPDATE approval_requests SET status = 'EXPIRED'
        WHERE status = 'PENDING' AND expires_at <= now()
        RETURNING id`
	if err := db.Select(&ids, query); err != nil {
		return nil, fmt.Errorf("failed to expire approval requests: %w", err)
	}
	return ids, nil
}

// AppendAuditEntry writes one immutable audit trail row.
func (db *DB) AppendAuditEntry(entry *models.ApprovalAuditEntry) error {
	query := `
        INSERT INTO approval_audit_entries (approval_request_id, action, actor_principal, ip, user_agent, reason)
        VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := db.Exec(query, entry.ApprovalRequestID, entry.Action, entry.ActorPrincipal, entry.IP, entry.UserAgent, entry.Reason)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// GetAuditTrail returns every audit entry for an approval request, oldest first.
func (db *DB) GetAuditTrail(approvalRequestID int64) ([]models.ApprovalAuditEntry, error) {
	var entries []models.ApprovalAuditEntry
	query := `SELECT * FROM approval_audit_entries WHERE approval_request_id = $1 ORDER BY created_at ASC`
	if err := db.Select(&entries, query, approvalRequestID); err != nil {
		return nil, fmt.Errorf("failed to load audit trail for request %d: %w", approvalRequestID, err)
	}
	return entries, nil
}

// resumePayloadOrNull normalizes a possibly-nil resume payload for storage.
func resumePayloadOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
