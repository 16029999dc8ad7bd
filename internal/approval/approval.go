// Package approval implements the approval gate of spec.md §4.7: request
// creation, decision, expiry sweep, and audit trail for jobs that must
// block on a human decision before resuming.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/noncelogic/cortex-plane/internal/backend"
	"github.com/noncelogic/cortex-plane/internal/crypto"
	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/models"
	"github.com/noncelogic/cortex-plane/internal/streammanager"
)

// ErrNotFound is returned when no approval request matches the given id or token.
var ErrNotFound = errors.New("not_found")

// ErrExpired is returned when a decision targets a request past its TTL.
var ErrExpired = errors.New("expired")

// ErrNotAuthorized is returned when a presented token does not verify
// against the stored hash.
var ErrNotAuthorized = errors.New("not_authorized")

// approvalToolName is the tool_call name a backend uses to signal that a job
// must pause for human approval (spec.md §4.4 step 4c "inspected for
// approval-gate triggers"); this control plane's own convention, since the
// spec leaves the exact trigger mechanism to the implementation.
const approvalToolName = "request_approval"

// GlobalStreamID is the sentinel streammanager agent id carrying every
// approval state change, regardless of which agent owns the underlying job
// (spec.md §6 "GET /approvals/stream"). Real agent ids start at 1
// (BIGSERIAL), so 0 never collides with one.
const GlobalStreamID int64 = 0

// Config mirrors the approval-related fields of config.AppConfig.
type Config struct {
	MinTTL    time.Duration
	MaxTTL    time.Duration
	SweepCron string
}

// Identifier names an approval request either by id or by bearer token;
// exactly one field should be set.
type Identifier struct {
	ID    int64
	Token string
}

// CreateRequestInput is the input to CreateRequest (spec.md §4.7 "Request
// creation").
type CreateRequestInput struct {
	JobID         int64
	AgentID       int64
	ActionType    string
	ActionSummary string
	ActionDetail  string
	TTL           time.Duration
	RiskLevel     models.RiskLevel
	ResumePayload json.RawMessage
}

// Gate owns approval-request lifecycle: creation, decision, and the
// background expiry sweep.
type Gate struct {
	db        *database.DB
	masterKey string
	cfg       Config
	streams   *streammanager.Manager
	sweeper   *cron.Cron
}

// New constructs a Gate. masterKey is the same process master key used to
// envelope-encrypt provider credentials (internal/crypto).
func New(db *database.DB, masterKey string, cfg Config, streams *streammanager.Manager) *Gate {
	return &Gate{db: db, masterKey: masterKey, cfg: cfg, streams: streams}
}

func clampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

// CreateRequest implements spec.md §4.7 "Request creation" steps 1-5: it
// generates a random bearer token, stores only its HMAC hash, clamps the
// TTL, inserts the request as PENDING, suspends the job, and broadcasts the
// WAITING_FOR_APPROVAL transition. The plaintext token is returned once and
// never persisted.
func (g *Gate) CreateRequest(ctx context.Context, in CreateRequestInput) (*models.ApprovalRequest, string, error) {
	token, err := crypto.GenerateApprovalToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate approval token: %w", err)
	}
	hash := crypto.HashApprovalToken(token, g.masterKey)
	ttl := clampTTL(in.TTL, g.cfg.MinTTL, g.cfg.MaxTTL)

	req := &models.ApprovalRequest{
		JobID:         in.JobID,
		AgentID:       in.AgentID,
		ActionType:    in.ActionType,
		ActionSummary: in.ActionSummary,
		ActionDetail:  in.ActionDetail,
		TokenHash:     hash,
		ResumePayload: in.ResumePayload,
		ExpiresAt:     time.Now().Add(ttl),
		RiskLevel:     in.RiskLevel,
	}

	created, err := g.db.CreateApprovalRequest(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create approval request: %w", err)
	}
	if err := g.db.WaitForApproval(in.JobID); err != nil {
		return nil, "", fmt.Errorf("failed to suspend job %d for approval: %w", in.JobID, err)
	}

	g.broadcastState(in.AgentID, "WAITING_FOR_APPROVAL", created.ID)
	return created, token, nil
}

// MaybeRequestApproval implements the scheduler.ApprovalGate contract: it
// recognizes a tool_call named approvalToolName and, when seen, creates the
// approval request and suspends job in one step, returning true so the
// scheduler stops driving the job (spec.md §4.4 step 4c).
func (g *Gate) MaybeRequestApproval(ctx context.Context, job *models.Job, ev backend.OutputEvent) (bool, error) {
	if ev.Type != backend.OutputToolCall || ev.ToolName != approvalToolName {
		return false, nil
	}

	var args struct {
		ActionType    string          `json:"actionType"`
		ActionSummary string          `json:"actionSummary"`
		ActionDetail  string          `json:"actionDetail"`
		TTLSeconds    int             `json:"ttlSeconds"`
		RiskLevel     models.RiskLevel `json:"riskLevel"`
		ResumePayload json.RawMessage `json:"resumePayload,omitempty"`
	}
	if err := json.Unmarshal(ev.ToolArgs, &args); err != nil {
		return false, fmt.Errorf("invalid %s tool_call arguments: %w", approvalToolName, err)
	}

	_, _, err := g.CreateRequest(ctx, CreateRequestInput{
		JobID:         job.ID,
		AgentID:       job.AgentID,
		ActionType:    args.ActionType,
		ActionSummary: args.ActionSummary,
		ActionDetail:  args.ActionDetail,
		TTL:           time.Duration(args.TTLSeconds) * time.Second,
		RiskLevel:     args.RiskLevel,
		ResumePayload: args.ResumePayload,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// DecisionInput names who is deciding, from where, and why (spec.md §4.7
// "Decision" audit trail fields).
type DecisionInput struct {
	Decision  models.ApprovalStatus
	DecidedBy string
	IP        string
	UserAgent string
	Reason    string
}

// Decide implements spec.md §4.7 "Decision": it resolves the request by id
// or token, enforces the PENDING/not-expired invariant, applies the
// resulting job transition, and writes an immutable audit entry.
func (g *Gate) Decide(ctx context.Context, id Identifier, in DecisionInput) (*models.ApprovalRequest, error) {
	if in.Decision != models.ApprovalApproved && in.Decision != models.ApprovalRejected {
		return nil, fmt.Errorf("invalid decision %q", in.Decision)
	}

	req, err := g.resolve(id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.ApprovalPending {
		if req.Status == models.ApprovalExpired {
			return nil, ErrExpired
		}
		return nil, database.ErrAlreadyDecided
	}
	if time.Now().After(req.ExpiresAt) {
		return nil, ErrExpired
	}

	decided, err := g.db.DecideApprovalRequest(req.ID, in.Decision, in.DecidedBy)
	if err != nil {
		return nil, err
	}

	switch in.Decision {
	case models.ApprovalApproved:
		if err := g.db.ResumeAfterApproval(decided.JobID, decided.ResumePayload); err != nil {
			log.Printf("[APPROVAL] failed to resume job %d after approval: %v", decided.JobID, err)
		}
	case models.ApprovalRejected:
		if err := g.db.FailJob(decided.JobID, models.JobFailed, "approval_rejected"); err != nil {
			log.Printf("[APPROVAL] failed to fail job %d after rejection: %v", decided.JobID, err)
		}
	}

	g.appendAudit(decided.ID, string(in.Decision), in)
	return decided, nil
}

func (g *Gate) resolve(id Identifier) (*models.ApprovalRequest, error) {
	if id.Token != "" {
		hash := crypto.HashApprovalToken(id.Token, g.masterKey)
		req, err := g.db.GetApprovalRequestByTokenHash(hash)
		if err != nil {
			if database.IsNoRows(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if !crypto.VerifyApprovalToken(id.Token, g.masterKey, req.TokenHash) {
			return nil, ErrNotAuthorized
		}
		return req, nil
	}

	req, err := g.db.GetApprovalRequest(id.ID)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

func (g *Gate) appendAudit(approvalRequestID int64, action string, in DecisionInput) {
	var reason *string
	if in.Reason != "" {
		reason = &in.Reason
	}
	entry := &models.ApprovalAuditEntry{
		ApprovalRequestID: approvalRequestID,
		Action:            action,
		ActorPrincipal:    in.DecidedBy,
		IP:                in.IP,
		UserAgent:         in.UserAgent,
		Reason:            reason,
	}
	if err := g.db.AppendAuditEntry(entry); err != nil {
		log.Printf("[APPROVAL] failed to append audit entry for request %d: %v", approvalRequestID, err)
	}
}

// AuditTrail returns the immutable audit log for an approval request.
func (g *Gate) AuditTrail(approvalRequestID int64) ([]models.ApprovalAuditEntry, error) {
	return g.db.GetAuditTrail(approvalRequestID)
}

// List returns every approval request, most recent first.
func (g *Gate) List() ([]models.ApprovalRequest, error) {
	return g.db.ListApprovalRequests()
}

// StartExpirySweeper arms the background cron job that transitions
// PENDING requests past expiresAt to EXPIRED and fails their waiting jobs
// (spec.md §4.7 "Expiry", scenario S5). It stops when ctx is cancelled.
func (g *Gate) StartExpirySweeper(ctx context.Context) error {
	sched := g.cfg.SweepCron
	if sched == "" {
		sched = "@every 10s"
	}
	c := cron.New()
	if _, err := c.AddFunc(sched, func() { g.sweepExpired() }); err != nil {
		return fmt.Errorf("failed to schedule approval expiry sweep %q: %w", sched, err)
	}
	c.Start()
	g.sweeper = c

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()
	return nil
}

func (g *Gate) sweepExpired() {
	ids, err := g.db.ExpirePendingApprovals()
	if err != nil {
		log.Printf("[APPROVAL] expiry sweep failed: %v", err)
		return
	}
	for _, id := range ids {
		req, err := g.db.GetApprovalRequest(id)
		if err != nil {
			log.Printf("[APPROVAL] expiry sweep: failed to load expired request %d: %v", id, err)
			continue
		}
		if err := g.db.FailJob(req.JobID, models.JobFailed, "approval_expired"); err != nil {
			log.Printf("[APPROVAL] expiry sweep: failed to fail job %d: %v", req.JobID, err)
			continue
		}
		g.broadcastState(req.AgentID, "EXPIRED", req.ID)
	}
}

func (g *Gate) broadcastState(agentID int64, state string, approvalRequestID int64) {
	if g.streams == nil {
		return
	}
	payload := map[string]interface{}{
		"agentId":           agentID,
		"state":             state,
		"approvalRequestId": approvalRequestID,
	}
	if _, err := g.streams.Broadcast(agentID, "agent:state", payload); err != nil {
		log.Printf("[APPROVAL] broadcast for agent %d failed: %v", agentID, err)
	}
	if _, err := g.streams.Broadcast(GlobalStreamID, "approval:state", payload); err != nil {
		log.Printf("[APPROVAL] global approvals broadcast failed: %v", err)
	}
}
