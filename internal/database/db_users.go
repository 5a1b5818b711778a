// This file contains database methods related to user/principal management
// and the refresh-token rotation store.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dispatchengine/internal/models"
)

// CreateUser creates a new user with a username and hashed password.
func (db *DB) CreateUser(username, hashedPassword string) (*models.User, error) {
	query := `
        INSERT INTO users (username, hashed_password, provider, role)
        VALUES ($1, $2, 'password', 'user')
        RETURNING id, username, hashed_password, provider, provider_id, role, created_at`
	var newUser models.User
	err := db.Get(&newUser, query, username, hashedPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &newUser, nil
}

// FindOrCreateGoogleUser finds a user by their Google provider ID or creates
// a new one, atomically linking a pre-existing local account with the same
// username.
func (db *DB) FindOrCreateGoogleUser(email, providerID string) (*models.User, error) {
	var user models.User
	query := `
        WITH ins AS (
            INSERT INTO users (username, provider, provider_id, role)
            VALUES ($1, 'google', $2, 'user')
            ON CONFLICT (username) DO UPDATE
                SET provider = 'google', provider_id = EXCLUDED.provider_id, hashed_password = NULL
                WHERE users.provider = 'password'
            RETURNING id
        )
        SELECT id, username, hashed_password, provider, provider_id, role, created_at
        FROM users
        WHERE id = (
            SELECT id FROM ins
            UNION ALL
            SELECT id FROM users WHERE provider = 'google' AND provider_id = $2 AND NOT EXISTS (SELECT 1 FROM ins)
            LIMIT 1
        )`
	err := db.Get(&user, query, email, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create google user: %w", err)
	}
	return &user, nil
}

// GetUserByID retrieves a user by id.
func (db *DB) GetUserByID(id string) (*models.User, error) {
	var user models.User
	err := db.Get(&user, `SELECT id, username, hashed_password, provider, provider_id, role, created_at FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by their username.
func (db *DB) GetUserByUsername(username string) (*models.User, error) {
	var user models.User
	err := db.Get(&user, `SELECT id, username, hashed_password, provider, provider_id, role, created_at FROM users WHERE username = $1`, username)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteUser permanently deletes a user and all their associated data via
// cascading deletes (refresh_tokens, user_accounts, knowledge_sources...).
func (db *DB) DeleteUser(userID string) error {
	_, err := db.Exec(`DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// --- auth.RefreshStore implementation ---

// CreateRefreshRecord persists a freshly minted refresh-token jti.
func (db *DB) CreateRefreshRecord(ctx context.Context, rec models.RefreshTokenRecord) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO refresh_tokens (jti, user_id, role, expires_at, revoked)
        VALUES ($1, $2, $3, $4, false)`,
		rec.JTI, rec.UserID, rec.Role, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh record: %w", err)
	}
	return nil
}

// GetRefreshRecord loads a refresh-token record by jti. Returns (nil, nil)
// when the jti is unknown, so callers distinguish "unknown" from "lookup
// failed" without a sentinel error.
func (db *DB) GetRefreshRecord(ctx context.Context, jti string) (*models.RefreshTokenRecord, error) {
	var rec models.RefreshTokenRecord
	err := db.GetContext(ctx, &rec, `
        SELECT jti, user_id, role, expires_at, revoked, created_at
        FROM refresh_tokens WHERE jti = $1`, jti)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh record: %w", err)
	}
	return &rec, nil
}

// RevokeRefreshRecord marks a refresh-token jti as revoked.
func (db *DB) RevokeRefreshRecord(ctx context.Context, jti string) error {
	_, err := db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE jti = $1`, jti)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh record: %w", err)
	}
	return nil
}

// CopyAccountLinks copies every user_accounts row scoped to oldJTI onto
// newJTI, ignoring rows that already exist under the new jti.
func (db *DB) CopyAccountLinks(ctx context.Context, oldJTI, newJTI string) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO user_accounts (main_user_id, account_type, account_id, session_jti)
        SELECT main_user_id, account_type, account_id, $2
        FROM user_accounts WHERE session_jti = $1
        ON CONFLICT (account_type, account_id, session_jti) DO NOTHING`, oldJTI, newJTI)
	if err != nil {
		return fmt.Errorf("failed to copy account links: %w", err)
	}
	return nil
}

// UserExists reports whether userID still refers to a live principal of the
// given role — a refresh token for a deleted account is never honored.
func (db *DB) UserExists(ctx context.Context, userID string, role models.Role) (bool, error) {
	var exists bool
	err := db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND role = $2)`, userID, role)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}

// --- Password reset tokens ---

// SavePasswordResetToken stores only the SHA-256 hash of a reset token,
// replacing any still-outstanding token for the same phone.
func (db *DB) SavePasswordResetToken(ctx context.Context, t models.PasswordResetToken) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO password_reset_tokens (user_phone, token_hash, expires_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_phone) DO UPDATE SET token_hash = EXCLUDED.token_hash, expires_at = EXCLUDED.expires_at`,
		t.UserPhone, t.TokenHash, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save password reset token: %w", err)
	}
	return nil
}

// ConsumePasswordResetToken atomically loads and deletes a reset token
// matching the given hash for the given phone, so a token can be redeemed
// at most once.
func (db *DB) ConsumePasswordResetToken(ctx context.Context, userPhone, tokenHash string) (bool, error) {
	res, err := db.ExecContext(ctx, `
        DELETE FROM password_reset_tokens
        WHERE user_phone = $1 AND token_hash = $2 AND expires_at > NOW()`, userPhone, tokenHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume password reset token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
