package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/noncelogic/cortex-plane/internal/auth"
	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// ContextKey avoids collisions on the request context.
type ContextKey string

// PrincipalContextKey is the key under which the authenticated Principal is
// stored in the request context by AuthMiddleware.
const PrincipalContextKey = ContextKey("principal")

// AuthHandler handles login/register/refresh/me for operator and approver
// principals, adapted from the teacher's handlers.AuthHandler but keyed on
// models.Principal instead of models.User.
type AuthHandler struct {
	DB             *database.DB
	AuthService    *auth.AuthService
	GoogleClientID string
}

// AuthMiddleware validates a JWT and injects the resolved Principal into the
// request context. Like the teacher's, it also accepts a 'token' query
// parameter for the /agents/{id}/stream and SSE endpoints that browsers
// can't attach bearer headers to.
func (h *AuthHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			RespondWithError(w, http.StatusUnauthorized, "authorization token is missing")
			return
		}

		username, err := h.AuthService.ValidateJWT(tokenString)
		if err != nil {
			RespondWithError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		principal, err := h.DB.GetPrincipalByUsername(username)
		if err != nil {
			if database.IsNoRows(err) {
				RespondWithError(w, http.StatusUnauthorized, "principal from token not found")
			} else {
				log.Printf("server error looking up principal %q: %v", username, err)
				RespondWithError(w, http.StatusInternalServerError, "server error while looking up principal")
			}
			return
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects the request unless the authenticated Principal carries
// one of the allowed roles. Must run after AuthMiddleware.
func RequireRole(roles ...models.PrincipalRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := r.Context().Value(PrincipalContextKey).(*models.Principal)
			if !ok {
				RespondWithError(w, http.StatusInternalServerError, "could not retrieve principal from context")
				return
			}
			for _, role := range roles {
				if principal.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			RespondWithError(w, http.StatusForbidden, "principal role is not permitted to call this endpoint")
		})
	}
}

// Login authenticates a password-based principal.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}

	principal, err := h.DB.GetPrincipalByUsername(req.Username)
	if err != nil || principal.Provider != "password" {
		log.Printf("login failed for %q from %s", req.Username, getClientIP(r))
		RespondWithError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if !auth.CheckPasswordHash(req.Password, principal.HashedPassword) {
		log.Printf("login failed for %q (bad password) from %s", req.Username, getClientIP(r))
		RespondWithError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	h.issueTokens(w, principal)
}

// Register creates a new password-based principal, defaulting to the
// operator role.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}

	if _, err := h.DB.GetPrincipalByUsername(req.Username); err == nil {
		RespondWithError(w, http.StatusConflict, "a principal with this username already exists")
		return
	} else if !database.IsNoRows(err) {
		log.Printf("server error checking for existing principal: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "server error while checking for principal")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("server error hashing password: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "server error while hashing password")
		return
	}

	created, err := h.DB.CreatePrincipal(req.Username, hashed, models.RoleOperator)
	if err != nil {
		log.Printf("failed to create principal: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "failed to create principal")
		return
	}

	RespondWithJSON(w, http.StatusCreated, toPrincipalResponse(created))
}

// Refresh issues a new access token from a still-valid refresh token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}

	username, err := h.AuthService.ValidateJWT(req.RefreshToken)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	principal, err := h.DB.GetPrincipalByUsername(username)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "principal from token not found")
		return
	}

	accessToken, err := h.AuthService.CreateAccessToken(principal.Username, string(principal.Role))
	if err != nil {
		log.Printf("failed to create access token for %q: %v", principal.Username, err)
		RespondWithError(w, http.StatusInternalServerError, "failed to create new access token")
		return
	}

	RespondWithJSON(w, http.StatusOK, models.RefreshResponse{AccessToken: accessToken})
}

// Me returns the authenticated principal's public projection.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := r.Context().Value(PrincipalContextKey).(*models.Principal)
	if !ok {
		RespondWithError(w, http.StatusInternalServerError, "could not retrieve principal from context")
		return
	}
	RespondWithJSON(w, http.StatusOK, toPrincipalResponse(principal))
}

// GoogleLogin signs a principal in (creating an approver account on first
// sign-in) from a verified Google ID token.
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.GoogleAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}

	payload, err := h.AuthService.ValidateGoogleJWT(req.Token, h.GoogleClientID)
	if err != nil {
		log.Printf("google token verification failed: %v", err)
		RespondWithError(w, http.StatusUnauthorized, "invalid google token")
		return
	}

	principal, err := h.DB.FindOrCreateGoogleUser(payload.Email, payload.Subject)
	if err != nil {
		log.Printf("failed to find or create google principal: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "failed to find or create principal")
		return
	}

	h.issueTokens(w, principal)
}

func (h *AuthHandler) issueTokens(w http.ResponseWriter, principal *models.Principal) {
	accessToken, err := h.AuthService.CreateAccessToken(principal.Username, string(principal.Role))
	if err != nil {
		log.Printf("failed to create access token for %q: %v", principal.Username, err)
		RespondWithError(w, http.StatusInternalServerError, "failed to create access token")
		return
	}
	refreshToken, err := h.AuthService.CreateRefreshToken(principal.Username)
	if err != nil {
		log.Printf("failed to create refresh token for %q: %v", principal.Username, err)
		RespondWithError(w, http.StatusInternalServerError, "failed to create refresh token")
		return
	}

	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"principal":     toPrincipalResponse(principal),
	})
}

func toPrincipalResponse(p *models.Principal) models.PrincipalResponse {
	return models.PrincipalResponse{ID: p.ID, Username: p.Username, Role: p.Role, CreatedAt: p.CreatedAt}
}

// extractToken pulls the JWT from the Authorization header, falling back to
// a 'token' query parameter for SSE/WebSocket requests that can't set one.
func extractToken(r *http.Request) string {
	if strings.Contains(r.URL.Path, "/stream") || strings.Contains(r.URL.Path, "/ws") {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
