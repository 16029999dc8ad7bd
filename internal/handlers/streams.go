package handlers

import (
	"log"
	"net/http"

	"github.com/noncelogic/cortex-plane/internal/approval"
	"github.com/noncelogic/cortex-plane/internal/streammanager"
)

// StreamHandler serves the SSE endpoints described in spec.md §4.2 and §6 by
// delegating to streammanager.Manager.ServeSSE, which already owns the wire
// framing (id:/event:/one data: line per payload line) and heartbeat loop.
type StreamHandler struct {
	Streams *streammanager.Manager
}

// Agent handles GET /agents/{agentId}/stream.
func (h *StreamHandler) Agent(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseIDFromURL(r, "agentId")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	if err := h.Streams.ServeSSE(w, r, agentID); err != nil {
		log.Printf("SSE stream for agent %d ended with error: %v", agentID, err)
	}
}

// Approvals handles GET /approvals/stream, the global feed of every
// approval state change across every agent (spec.md §6).
func (h *StreamHandler) Approvals(w http.ResponseWriter, r *http.Request) {
	if err := h.Streams.ServeSSE(w, r, approval.GlobalStreamID); err != nil {
		log.Printf("SSE stream for approvals feed ended with error: %v", err)
	}
}
