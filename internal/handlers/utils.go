// Package handlers wires the control plane's internal services into a
// chi-routed REST+SSE API, adapted from the teacher's internal/handlers
// package.
package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Validate is the package-wide validator instance, reused across requests
// the way the teacher's ChatHandler/WSHandler/UserHandler share one
// *validator.Validate rather than constructing one per call.
var Validate = validator.New()

// ValidateRequest runs Validate.Struct(req) and, on failure, writes the
// teacher's "validation error: %v" 400 response. It reports whether the
// caller should continue handling the request.
func ValidateRequest(w http.ResponseWriter, req interface{}) bool {
	if err := Validate.Struct(req); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %v", err))
		return false
	}
	return true
}

// RespondWithError writes a standard JSON error response. 500s are logged
// with their real message but reported to the client generically, matching
// the teacher's utils.go.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	if code == http.StatusInternalServerError {
		log.Printf("responding with server error (%d): %s", code, message)
		message = "An internal server error occurred. Please try again later."
	}
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithJSON marshals payload and writes it with the given status code.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Printf("!!! failed to marshal JSON response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to serialize response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(response)
}

// getClientIP extracts the client's real IP, preferring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// parseIDFromURL extracts a numeric chi URL parameter.
func parseIDFromURL(r *http.Request, key string) (int64, error) {
	idStr := chi.URLParam(r, key)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return id, nil
}
