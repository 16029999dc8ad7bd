package handlers

import (
	"net/http"

	"github.com/noncelogic/cortex-plane/internal/database"
)

// SessionHandler exposes session history and lifecycle endpoints (spec.md
// §3, §4.8).
type SessionHandler struct {
	DB *database.DB
}

// ListForAgent handles GET /agents/{agentId}/sessions.
func (h *SessionHandler) ListForAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseIDFromURL(r, "agentId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	sessions, err := h.DB.ListSessionsForAgent(agentID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, sessions)
}

// Messages handles GET /sessions/{sessionId}/messages.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseIDFromURL(r, "sessionId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	messages, err := h.DB.GetSessionMessages(sessionID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, messages)
}

// Delete handles DELETE /sessions/{sessionId}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseIDFromURL(r, "sessionId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := h.DB.DeleteSession(sessionID); err != nil {
		if database.IsNoRows(err) {
			RespondWithError(w, http.StatusNotFound, "session not found")
		} else {
			RespondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
