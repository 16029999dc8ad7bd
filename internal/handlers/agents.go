package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/lifecycle"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// AgentHandler exposes agent lifecycle state and the steering channel
// described in spec.md §4.5.
type AgentHandler struct {
	DB        *database.DB
	Lifecycle *lifecycle.Manager
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.DB.ListAgents()
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, agents)
}

// Get handles GET /agents/{agentId}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseIDFromURL(r, "agentId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	agent, err := h.DB.GetAgent(agentID)
	if err != nil {
		if database.IsNoRows(err) {
			RespondWithError(w, http.StatusNotFound, "agent not found")
		} else {
			RespondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	RespondWithJSON(w, http.StatusOK, agent)
}

// Create handles POST /agents.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var agent models.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	created, err := h.DB.CreateAgent(&agent)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusCreated, created)
}

// Deactivate handles DELETE /agents/{agentId}.
func (h *AgentHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseIDFromURL(r, "agentId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	if err := h.DB.DeactivateAgent(agentID); err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// State handles GET /agents/{agentId}/state.
func (h *AgentHandler) State(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseIDFromURL(r, "agentId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"agentId": agentID,
		"state":   h.Lifecycle.State(agentID),
	})
}

// Steer handles POST /agents/{agentId}/steer (spec.md §4.5 "Steering").
func (h *AgentHandler) Steer(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseIDFromURL(r, "agentId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	var req models.SteerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}

	if err := h.Lifecycle.Steer(r.Context(), agentID, lifecycle.SteerMessage{
		AgentID:  agentID,
		Message:  req.Message,
		Priority: priority,
		At:       time.Now(),
	}); err != nil {
		RespondWithError(w, http.StatusConflict, fmt.Sprintf("agent is not accepting steer messages: %v", err))
		return
	}

	RespondWithJSON(w, http.StatusAccepted, models.SteerResponse{
		SteerMessageID: uuid.NewString(),
		AgentID:        agentID,
		Priority:       priority,
	})
}
