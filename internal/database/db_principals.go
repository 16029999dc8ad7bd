// This file contains database methods related to operator/approver
// principals, adapted from egobackend's internal/database user lookups.

package database

import (
	"fmt"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// GetPrincipalByUsername retrieves an operator/approver account by username.
func (db *DB) GetPrincipalByUsername(username string) (*models.Principal, error) {
	var p models.Principal
	err := db.Get(&p, `SELECT * FROM principals WHERE username = $1`, username)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePrincipal inserts a new password-based principal.
func (db *DB) CreatePrincipal(username, hashedPassword string, role models.PrincipalRole) (*models.Principal, error) {
	var p models.Principal
	query := `
        INSERT INTO principals (username, hashed_password, provider, role)
        VALUES ($1, $2, 'password', $3)
        RETURNING *`
	if err := db.Get(&p, query, username, hashedPassword, role); err != nil {
		return nil, fmt.Errorf("failed to create principal %q: %w", username, err)
	}
	return &p, nil
}

// FindOrCreateGoogleUser finds a Google principal by email (stored as its
// username), creating one (as an approver by default) if this is its first
// sign-in. subject is not stored; it only appears in the error message.
func (db *DB) FindOrCreateGoogleUser(email, subject string) (*models.Principal, error) {
	var existing models.Principal
	err := db.Get(&existing, `SELECT * FROM principals WHERE username = $1 AND provider = 'google'`, email)
	if err == nil {
		return &existing, nil
	}

	var created models.Principal
	query := `
        INSERT INTO principals (username, hashed_password, provider, role)
        VALUES ($1, '', 'google', 'approver')
        RETURNING *`
	if err := db.Get(&created, query, email); err != nil {
		return nil, fmt.Errorf("failed to create google principal %q (subject %q): %w", email, subject, err)
	}
	return &created, nil
}
