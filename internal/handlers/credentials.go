package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noncelogic/cortex-plane/internal/crypto"
	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/models"
)

// CredentialHandler exposes the envelope-encrypted provider-credential vault
// (spec.md §2.9 / internal/crypto) over PUT/GET /me/credentials/{provider},
// the minimal runtime path a principal uses to hand the control plane an
// OAuth token or pasted API key for a downstream provider.
type CredentialHandler struct {
	DB        *database.DB
	MasterKey string
}

// Store handles PUT /me/credentials/{provider}. It generates a fresh
// per-user key, encrypts the token under it, and wraps that key under the
// process master key before persisting — the plaintext token and per-user
// key never touch the database.
func (h *CredentialHandler) Store(w http.ResponseWriter, r *http.Request) {
	principal, ok := r.Context().Value(PrincipalContextKey).(*models.Principal)
	if !ok {
		RespondWithError(w, http.StatusInternalServerError, "could not retrieve principal from context")
		return
	}
	provider := chi.URLParam(r, "provider")
	if provider == "" {
		RespondWithError(w, http.StatusBadRequest, "provider is required")
		return
	}

	var req models.StoreCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if !ValidateRequest(w, req) {
		return
	}

	userKey, err := crypto.GenerateUserKey()
	if err != nil {
		log.Printf("failed to generate user key for principal %d: %v", principal.ID, err)
		RespondWithError(w, http.StatusInternalServerError, "failed to generate credential key")
		return
	}
	wrappedKey, err := crypto.WrapUserKey(userKey, h.MasterKey)
	if err != nil {
		log.Printf("failed to wrap user key for principal %d: %v", principal.ID, err)
		RespondWithError(w, http.StatusInternalServerError, "failed to wrap credential key")
		return
	}
	accessEnc, err := crypto.Encrypt(req.AccessToken, userKey)
	if err != nil {
		log.Printf("failed to encrypt access token for principal %d: %v", principal.ID, err)
		RespondWithError(w, http.StatusInternalServerError, "failed to encrypt credential")
		return
	}

	cred := &models.ProviderCredential{
		UserID:         principal.ID,
		Provider:       provider,
		Type:           req.Type,
		AccessTokenEnc: accessEnc,
		WrappedUserKey: wrappedKey,
	}
	if req.RefreshToken != "" {
		refreshEnc, err := crypto.Encrypt(req.RefreshToken, userKey)
		if err != nil {
			log.Printf("failed to encrypt refresh token for principal %d: %v", principal.ID, err)
			RespondWithError(w, http.StatusInternalServerError, "failed to encrypt credential")
			return
		}
		cred.RefreshTokenEnc = &refreshEnc
	}

	saved, err := h.DB.UpsertCredential(cred)
	if err != nil {
		log.Printf("failed to store credential for principal %d provider %q: %v", principal.ID, provider, err)
		RespondWithError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}

	RespondWithJSON(w, http.StatusOK, saved)
}

// Get handles GET /me/credentials/{provider}. It reports only the
// credential's status metadata, never the decrypted secret.
func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, ok := r.Context().Value(PrincipalContextKey).(*models.Principal)
	if !ok {
		RespondWithError(w, http.StatusInternalServerError, "could not retrieve principal from context")
		return
	}
	provider := chi.URLParam(r, "provider")
	if provider == "" {
		RespondWithError(w, http.StatusBadRequest, "provider is required")
		return
	}

	cred, err := h.DB.GetCredential(principal.ID, provider)
	if err != nil {
		if database.IsNoRows(err) {
			RespondWithError(w, http.StatusNotFound, "no credential stored for this provider")
		} else {
			RespondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	RespondWithJSON(w, http.StatusOK, cred)
}
