package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/noncelogic/cortex-plane/internal/approval"
	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// ApprovalHandler exposes internal/approval.Gate over the approval-gate REST
// surface named in spec.md §4.7.
type ApprovalHandler struct {
	DB   *database.DB
	Gate *approval.Gate
}

// Create handles POST /jobs/{jobId}/approval — an operator- or
// agent-initiated out-of-band approval request (the in-band path, triggered
// by a request_approval tool call, goes through Gate.MaybeRequestApproval
// from the scheduler directly and never touches this handler).
func (h *ApprovalHandler) Create(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseIDFromURL(r, "jobId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	var req models.CreateApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}

	job, err := h.DB.GetJob(jobID)
	if err != nil {
		if database.IsNoRows(err) {
			RespondWithError(w, http.StatusNotFound, "job not found")
		} else {
			RespondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	created, token, err := h.Gate.CreateRequest(r.Context(), approval.CreateRequestInput{
		JobID:         jobID,
		AgentID:       job.AgentID,
		ActionType:    req.ActionType,
		ActionSummary: req.ActionSummary,
		ActionDetail:  req.ActionDetail,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		RiskLevel:     req.RiskLevel,
		ResumePayload: req.ResumePayload,
	})
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	RespondWithJSON(w, http.StatusCreated, models.CreateApprovalResponse{ApprovalRequest: *created, Token: token})
}

// Decide handles both POST /approvals/{id}/decide (id path, identified
// by numeric id) and POST /approvals/token/decide (bearer-token path, used
// by one-click email/chat links) — whichever identifier the body supplies.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req models.DecideApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}

	id := approval.Identifier{Token: req.Token}
	if req.Token == "" {
		parsedID, err := parseIDFromURL(r, "id")
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "missing token or id")
			return
		}
		id = approval.Identifier{ID: parsedID}
	}

	decidedBy := ""
	if principal, ok := r.Context().Value(PrincipalContextKey).(*models.Principal); ok {
		decidedBy = principal.Username
	}

	decided, err := h.Gate.Decide(r.Context(), id, approval.DecisionInput{
		Decision:  models.ApprovalStatus(req.Decision),
		DecidedBy: decidedBy,
		IP:        getClientIP(r),
		UserAgent: r.UserAgent(),
		Reason:    req.Reason,
	})
	if err != nil {
		h.respondDecideError(w, err)
		return
	}

	RespondWithJSON(w, http.StatusOK, decided)
}

// Get handles GET /approvals/{id}.
func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDFromURL(r, "id")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	req, err := h.DB.GetApprovalRequest(id)
	if err != nil {
		if database.IsNoRows(err) {
			RespondWithError(w, http.StatusNotFound, "approval request not found")
		} else {
			RespondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	RespondWithJSON(w, http.StatusOK, req)
}

// List handles GET /approvals.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Gate.List()
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, reqs)
}

// Audit handles GET /approvals/{id}/audit.
func (h *ApprovalHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDFromURL(r, "id")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	entries, err := h.Gate.AuditTrail(id)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, entries)
}

func (h *ApprovalHandler) respondDecideError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		RespondWithError(w, http.StatusNotFound, "approval request not found")
	case errors.Is(err, approval.ErrExpired):
		RespondWithError(w, http.StatusConflict, "approval request has expired")
	case errors.Is(err, database.ErrAlreadyDecided):
		RespondWithError(w, http.StatusConflict, "approval request has already been decided")
	default:
		RespondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
