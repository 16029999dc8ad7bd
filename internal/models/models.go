// Package models holds the shared data-model types of the control plane:
// agents, sessions, jobs, approval requests, provider credentials, session
// events, and circuit-breaker state. They are deliberately thin — struct
// tags for `db` (sqlx column binding) and `json` (API responses) live side
// by side, matching how the rest of the control plane persists and renders
// the same row.
package models

import (
	"encoding/json"
	"time"
)

// AgentRole describes what an agent is chartered to do. It is operator
// supplied and otherwise opaque to the control plane.
type AgentRole string

// Agent is a long-lived, versioned identity. Its slug is stable across
// redeploys; resource limits are immutable for a given agent version.
type Agent struct {
	ID             int64           `db:"id" json:"id"`
	Slug           string          `db:"slug" json:"slug"`
	Role           AgentRole       `db:"role" json:"role"`
	ModelConfig    json.RawMessage `db:"model_config" json:"modelConfig"`
	ResourceLimits json.RawMessage `db:"resource_limits" json:"resourceLimits"`
	Deactivated    bool            `db:"deactivated" json:"deactivated"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}

// SessionStatus is the lifecycle of a Session row.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session ties an agent to a user across one channel. At most one session
// may be `active` for a given (agentId, userAccountId, channelId) triple.
type Session struct {
	ID            int64         `db:"id" json:"id"`
	AgentID       int64         `db:"agent_id" json:"agentId"`
	UserAccountID int64         `db:"user_account_id" json:"userAccountId"`
	ChannelID     *string       `db:"channel_id" json:"channelId,omitempty"`
	Status        SessionStatus `db:"status" json:"status"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	EndedAt       *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
}

// MessageRole distinguishes the two sides of a conversation turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// SessionMessage is one append-only turn in a session's history. Ordering
// within a session is by CreatedAt; rows are never rewritten.
type SessionMessage struct {
	ID        int64       `db:"id" json:"id"`
	SessionID int64       `db:"session_id" json:"sessionId"`
	Role      MessageRole `db:"role" json:"role"`
	Content   string      `db:"content" json:"content"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
}

// JobStatus is a node in the job status graph documented in spec.md §3.
type JobStatus string

const (
	JobPending            JobStatus = "PENDING"
	JobScheduled          JobStatus = "SCHEDULED"
	JobRunning            JobStatus = "RUNNING"
	JobRetrying           JobStatus = "RETRYING"
	JobWaitingForApproval JobStatus = "WAITING_FOR_APPROVAL"
	JobCompleted          JobStatus = "COMPLETED"
	JobFailed             JobStatus = "FAILED"
	JobTimedOut           JobStatus = "TIMED_OUT"
	JobDeadLetter         JobStatus = "DEAD_LETTER"
)

// IsTerminal reports whether status is one of the four final states.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimedOut, JobDeadLetter:
		return true
	default:
		return false
	}
}

// JobPriority is a coarse scheduling hint consulted only for ordering within
// the SCHEDULED/RETRYING pool; it never reorders a job ahead of its own
// run_at.
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
)

// Job is one unit of agent work driven by the scheduler.
type Job struct {
	ID            int64           `db:"id" json:"id"`
	AgentID       int64           `db:"agent_id" json:"agentId"`
	SessionID     int64           `db:"session_id" json:"sessionId"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Priority      JobPriority     `db:"priority" json:"priority"`
	MaxAttempts   int             `db:"max_attempts" json:"maxAttempts"`
	Attempt       int             `db:"attempt" json:"attempt"`
	Status        JobStatus       `db:"status" json:"status"`
	Checkpoint    *string         `db:"checkpoint" json:"checkpoint,omitempty"`
	CheckpointCRC *uint32         `db:"checkpoint_crc" json:"checkpointCrc,omitempty"`
	Result        *string         `db:"result" json:"result,omitempty"`
	LastError     *string         `db:"last_error" json:"lastError,omitempty"`
	RunAt         time.Time       `db:"run_at" json:"runAt"`
	TimeoutSecs   int             `db:"timeout_seconds" json:"timeoutSeconds"`
	LockedBy      *string         `db:"locked_by" json:"-"`
	LockedAt      *time.Time      `db:"locked_at" json:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// JobPayload is the typed view of Job.Payload for CHAT_RESPONSE jobs, the
// only payload shape the control plane itself constructs (§4.8). Other
// producers may insert jobs with different `type` values; the scheduler
// only cares that ExecutionBackend can execute the raw payload.
type JobPayload struct {
	Type                string           `json:"type"`
	Prompt              string           `json:"prompt"`
	GoalType            string           `json:"goalType"`
	ConversationHistory []SessionMessage `json:"conversationHistory"`
	ResumePayload       json.RawMessage  `json:"resumePayload,omitempty"`
}

// ApprovalStatus is the lifecycle of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// RiskLevel is an operator-facing hint about how sensitive the gated action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ApprovalRequest pauses a job until a human decides. Only the salted hash
// of the bearer token is ever stored; the plaintext is returned once, at
// creation time, and never again.
type ApprovalRequest struct {
	ID            int64          `db:"id" json:"id"`
	JobID         int64          `db:"job_id" json:"jobId"`
	AgentID       int64          `db:"agent_id" json:"agentId"`
	ActionType    string         `db:"action_type" json:"actionType"`
	ActionSummary string         `db:"action_summary" json:"actionSummary"`
	ActionDetail  string         `db:"action_detail" json:"actionDetail"`
	TokenHash     string         `db:"token_hash" json:"-"`
	ResumePayload json.RawMessage `db:"resume_payload" json:"-"`
	ExpiresAt     time.Time      `db:"expires_at" json:"expiresAt"`
	Status        ApprovalStatus `db:"status" json:"status"`
	RiskLevel     RiskLevel      `db:"risk_level" json:"riskLevel"`
	DecidedBy     *string        `db:"decided_by" json:"decidedBy,omitempty"`
	DecidedAt     *time.Time     `db:"decided_at" json:"decidedAt,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
}

// ApprovalAuditEntry is one immutable row in an approval request's audit trail.
type ApprovalAuditEntry struct {
	ID                int64     `db:"id" json:"id"`
	ApprovalRequestID int64     `db:"approval_request_id" json:"approvalRequestId"`
	Action            string    `db:"action" json:"action"`
	ActorPrincipal    string    `db:"actor_principal" json:"actorPrincipal"`
	IP                string    `db:"ip" json:"ip"`
	UserAgent         string    `db:"user_agent" json:"userAgent"`
	Reason            *string   `db:"reason" json:"reason,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// CredentialType distinguishes OAuth-issued tokens from pasted API keys.
type CredentialType string

const (
	CredentialOAuth  CredentialType = "oauth"
	CredentialAPIKey CredentialType = "apiKey"
)

// CredentialStatus tracks whether a provider credential still works.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialError   CredentialStatus = "error"
	CredentialExpired CredentialStatus = "expired"
)

// ProviderCredential stores a user's per-provider secret, envelope-encrypted
// (see internal/crypto): the secret itself is encrypted with a per-user key,
// and that key is in turn wrapped by the process master key.
type ProviderCredential struct {
	UserID           int64            `db:"user_id" json:"userId"`
	Provider         string           `db:"provider" json:"provider"`
	Type             CredentialType   `db:"type" json:"type"`
	AccessTokenEnc   string           `db:"access_token_enc" json:"-"`
	RefreshTokenEnc  *string          `db:"refresh_token_enc" json:"-"`
	WrappedUserKey   string           `db:"wrapped_user_key" json:"-"`
	ExpiresAt        *time.Time       `db:"expires_at" json:"expiresAt,omitempty"`
	Status           CredentialStatus `db:"status" json:"status"`
	CreatedAt        time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updatedAt"`
}

// SessionEventType enumerates the record kinds appended to a job's session
// buffer file (spec.md §4.1).
type SessionEventType string

const (
	EventSessionStart SessionEventType = "SESSION_START"
	EventLLMRequest   SessionEventType = "LLM_REQUEST"
	EventLLMResponse  SessionEventType = "LLM_RESPONSE"
	EventToolCall     SessionEventType = "TOOL_CALL"
	EventToolResult   SessionEventType = "TOOL_RESULT"
	EventCheckpoint   SessionEventType = "CHECKPOINT"
	EventError        SessionEventType = "ERROR"
	EventComplete     SessionEventType = "COMPLETE"
)

// SessionEvent is one line of a session-NNN.jsonl buffer file. Version is
// bumped only if the on-disk record shape changes incompatibly.
type SessionEvent struct {
	Version   int              `json:"version"`
	JobID     int64            `json:"jobId"`
	SessionID int64            `json:"sessionId"`
	AgentID   int64            `json:"agentId"`
	Sequence  int64            `json:"sequence"`
	Type      SessionEventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// BreakerState is the three-state circuit-breaker lifecycle (spec.md §4.3).
// It is held entirely in memory by the router; no table backs it.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerSnapshot is a read-only view of one provider's breaker state,
// returned by internal/breaker for diagnostics and the /metrics endpoint.
type CircuitBreakerSnapshot struct {
	ProviderID       string       `json:"providerId"`
	State            BreakerState `json:"state"`
	Failures         int          `json:"failures"`
	HalfOpenInFlight int          `json:"halfOpenInFlight"`
	OpenedAt         *time.Time   `json:"openedAt,omitempty"`
}

// LifecycleState is a node in the per-agent state machine (spec.md §4.5).
type LifecycleState string

const (
	StateBooting    LifecycleState = "BOOTING"
	StateHydrating  LifecycleState = "HYDRATING"
	StateReady      LifecycleState = "READY"
	StateExecuting  LifecycleState = "EXECUTING"
	StateDraining   LifecycleState = "DRAINING"
	StateTerminated LifecycleState = "TERMINATED"
	StateUnhealthy  LifecycleState = "UNHEALTHY"
)

// LifecycleTransitionEvent is broadcast whenever an agent's state machine
// moves, including crash transitions.
type LifecycleTransitionEvent struct {
	AgentID int64          `json:"agentId"`
	From    LifecycleState `json:"from"`
	To      LifecycleState `json:"to"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
}

// S3Config mirrors the teacher's object-storage configuration shape, reused
// here for archiving rotated session-buffer files.
type S3Config struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}

// ChannelBinding maps a chat-channel identity to the agent that owns it
// (spec.md §4.8 step 1, "resolve agentId by (channelType, chatId) via the
// binding service"). Bindings are operator-provisioned; dispatch only reads them.
type ChannelBinding struct {
	ID            int64     `db:"id" json:"id"`
	ChannelType   string    `db:"channel_type" json:"channelType"`
	ChatID        string    `db:"chat_id" json:"chatId"`
	AgentID       int64     `db:"agent_id" json:"agentId"`
	UserAccountID int64     `db:"user_account_id" json:"userAccountId"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// --- Operator/approver principal & auth DTOs ---

// PrincipalRole distinguishes who is allowed to call which REST endpoint.
type PrincipalRole string

const (
	RoleOperator PrincipalRole = "operator"
	RoleApprover PrincipalRole = "approver"
	RoleAdmin    PrincipalRole = "admin"
)

// Principal is an authenticated operator/approver account.
type Principal struct {
	ID             int64         `db:"id" json:"id"`
	Username       string        `db:"username" json:"username"`
	HashedPassword string        `db:"hashed_password" json:"-"`
	Provider       string        `db:"provider" json:"provider"`
	Role           PrincipalRole `db:"role" json:"role"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
}

// PrincipalResponse is the safe, public projection of a Principal.
type PrincipalResponse struct {
	ID        int64         `json:"id"`
	Username  string        `json:"username"`
	Role      PrincipalRole `json:"role"`
	CreatedAt time.Time     `json:"createdAt"`
}

// AuthRequest is the login/register request body.
type AuthRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

// GoogleAuthRequest carries a Google-issued ID token for federated login.
type GoogleAuthRequest struct {
	Token string `json:"token" validate:"required"`
}

// RefreshTokenRequest carries a refresh token for Refresh.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RefreshResponse contains a freshly issued access token.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
}

// SteerRequest is the body of POST /agents/:agentId/steer.
type SteerRequest struct {
	Message  string `json:"message" validate:"required"`
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}

// SteerResponse acknowledges an accepted steer message.
type SteerResponse struct {
	SteerMessageID string `json:"steerMessageId"`
	AgentID        int64  `json:"agentId"`
	Priority       string `json:"priority"`
}

// CreateApprovalRequest is the body of POST /jobs/:jobId/approval.
type CreateApprovalRequest struct {
	ActionType    string          `json:"actionType" validate:"required"`
	ActionSummary string          `json:"actionSummary" validate:"required"`
	ActionDetail  string          `json:"actionDetail" validate:"required"`
	TTLSeconds    int             `json:"ttlSeconds" validate:"required,min=1"`
	RiskLevel     RiskLevel       `json:"riskLevel" validate:"required,oneof=low medium high"`
	ResumePayload json.RawMessage `json:"resumePayload,omitempty"`
}

// CreateApprovalResponse returns the plaintext token exactly once.
type CreateApprovalResponse struct {
	ApprovalRequest
	Token string `json:"token"`
}

// DecideApprovalRequest is the body of POST /approvals/:id/decide and
// POST /approvals/token/decide.
type DecideApprovalRequest struct {
	Token    string `json:"token,omitempty"`
	Decision string `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Reason   string `json:"reason,omitempty"`
}

// StoreCredentialRequest is the body of PUT /me/credentials/{provider}: a
// user pasting (or a collaborator relaying) a provider API key or OAuth
// access token for the dispatcher/backend layer to use on their behalf.
type StoreCredentialRequest struct {
	Type         CredentialType `json:"type" validate:"required,oneof=oauth apiKey"`
	AccessToken  string         `json:"accessToken" validate:"required"`
	RefreshToken string         `json:"refreshToken,omitempty"`
}
