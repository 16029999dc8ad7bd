package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/noncelogic/cortex-plane/internal/models"
)

func withChiContext(r *http.Request, rctx *chi.Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestParseIDFromURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/agents/42", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("agentId", "42")
	r = withChiContext(r, rctx)

	id, err := parseIDFromURL(r, "agentId")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Errorf("parseIDFromURL = %d, want 42", id)
	}
}

func TestParseIDFromURLInvalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/agents/not-a-number", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("agentId", "not-a-number")
	r = withChiContext(r, rctx)

	if _, err := parseIDFromURL(r, "agentId"); err == nil {
		t.Error("expected error for non-numeric id, got nil")
	}
}

func TestGetClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.RemoteAddr = "10.0.0.2:12345"

	if got := getClientIP(r); got != "203.0.113.5" {
		t.Errorf("getClientIP = %q, want 203.0.113.5", got)
	}
}

func TestGetClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:54321"

	if got := getClientIP(r); got != "198.51.100.7" {
		t.Errorf("getClientIP = %q, want 198.51.100.7", got)
	}
}

func TestValidateRequestRejectsMissingRequiredField(t *testing.T) {
	w := httptest.NewRecorder()
	ok := ValidateRequest(w, models.AuthRequest{Username: "", Password: "supersecret"})
	if ok {
		t.Fatal("expected ValidateRequest to reject an empty username")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestValidateRequestAcceptsWellFormedRequest(t *testing.T) {
	w := httptest.NewRecorder()
	ok := ValidateRequest(w, models.AuthRequest{Username: "alice", Password: "supersecret"})
	if !ok {
		t.Fatalf("expected ValidateRequest to accept a valid request, got body %q", w.Body.String())
	}
}

func TestValidateRequestEnforcesOneofOnSteerPriority(t *testing.T) {
	w := httptest.NewRecorder()
	ok := ValidateRequest(w, models.SteerRequest{Message: "stop", Priority: "urgent"})
	if ok {
		t.Fatal("expected ValidateRequest to reject an out-of-range priority")
	}
}
