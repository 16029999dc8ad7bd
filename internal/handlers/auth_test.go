package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/noncelogic/cortex-plane/internal/models"
)

func TestExtractTokenPrefersBearerHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/agents/1", nil)
	r.Header.Set("Authorization", "Bearer abc123")

	if got := extractToken(r); got != "abc123" {
		t.Errorf("extractToken = %q, want abc123", got)
	}
}

func TestExtractTokenFallsBackToQueryParamOnStreamPaths(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/agents/1/stream?lastEventId=5&token=stream-tok", nil)

	if got := extractToken(r); got != "stream-tok" {
		t.Errorf("extractToken = %q, want stream-tok", got)
	}
}

func TestExtractTokenFallsBackToQueryParamOnWsPaths(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat-42?token=ws-tok", nil)

	if got := extractToken(r); got != "ws-tok" {
		t.Errorf("extractToken = %q, want ws-tok", got)
	}
}

func TestExtractTokenMissingReturnsEmpty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/agents/1", nil)
	if got := extractToken(r); got != "" {
		t.Errorf("extractToken = %q, want empty string", got)
	}
}

func TestToPrincipalResponseOmitsHashedPassword(t *testing.T) {
	p := &models.Principal{
		ID:             7,
		Username:       "alice",
		HashedPassword: "super-secret-hash",
		Role:           models.RoleApprover,
		CreatedAt:      time.Now(),
	}
	resp := toPrincipalResponse(p)
	if resp.Username != "alice" || resp.Role != models.RoleApprover || resp.ID != 7 {
		t.Errorf("toPrincipalResponse = %+v, fields did not carry over", resp)
	}
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	principal := &models.Principal{Role: models.RoleApprover}
	called := false
	handler := RequireRole(models.RoleApprover, models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodPost, "/approvals/1/decide", nil)
	r = r.WithContext(context.WithValue(r.Context(), PrincipalContextKey, principal))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !called {
		t.Error("expected wrapped handler to be called for an allowed role")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRequireRoleRejectsOtherRole(t *testing.T) {
	principal := &models.Principal{Role: models.RoleOperator}
	called := false
	handler := RequireRole(models.RoleApprover, models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodPost, "/approvals/1/decide", nil)
	r = r.WithContext(context.WithValue(r.Context(), PrincipalContextKey, principal))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if called {
		t.Error("expected wrapped handler NOT to be called for a disallowed role")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestRequireRoleMissingPrincipal(t *testing.T) {
	handler := RequireRole(models.RoleApprover)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a principal in context")
	}))

	r := httptest.NewRequest(http.MethodPost, "/approvals/1/decide", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
