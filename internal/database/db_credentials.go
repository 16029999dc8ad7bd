// This file contains database methods related to provider credentials
// (spec.md §3 ProviderCredential; envelope encryption lives in internal/crypto).

package database

import (
	"fmt"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// UpsertCredential inserts or replaces a user's credential for a provider.
func (db *DB) UpsertCredential(c *models.ProviderCredential) (*models.ProviderCredential, error) {
	var saved models.ProviderCredential
	query := `
        INSERT INTO provider_credentials
            (user_id, provider, type, access_token_enc, refresh_token_enc, wrapped_user_key, expires_at, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 'active')
        ON CONFLICT (user_id, provider) DO UPDATE SET
            type = EXCLUDED.type,
            access_token_enc = EXCLUDED.access_token_enc,
            refresh_token_enc = EXCLUDED.refresh_token_enc,
            wrapped_user_key = EXCLUDED.wrapped_user_key,
            expires_at = EXCLUDED.expires_at,
            status = 'active',
            updated_at = now()
        RETURNING *`
	err := db.Get(&saved, query, c.UserID, c.Provider, c.Type, c.AccessTokenEnc, c.RefreshTokenEnc, c.WrappedUserKey, c.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert credential for user %d provider %q: %w", c.UserID, c.Provider, err)
	}
	return &saved, nil
}

// GetCredential retrieves a user's credential for a provider.
func (db *DB) GetCredential(userID int64, provider string) (*models.ProviderCredential, error) {
	var c models.ProviderCredential
	query := `SELECT * FROM provider_credentials WHERE user_id = $1 AND provider = $2`
	if err := db.Get(&c, query, userID, provider); err != nil {
		return nil, fmt.Errorf("failed to get credential for user %d provider %q: %w", userID, provider, err)
	}
	return &c, nil
}

// MarkCredentialStatus updates a credential's health status (e.g. after a
// refresh failure marks it 'error', or after provider-side revocation
// marks it 'expired').
func (db *DB) MarkCredentialStatus(userID int64, provider string, status models.CredentialStatus) error {
	_, err := db.Exec(`
        UPDATE provider_credentials SET status = $1, updated_at = now()
        WHERE user_id = $2 AND provider = $3`, status, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to mark credential status for user %d provider %q: %w", userID, provider, err)
	}
	return nil
}
