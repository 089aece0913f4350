package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/brendanlong/burrow-runtime/internal/common/database"
)

// AuthSessionRepository persists bearer-token rows.
type AuthSessionRepository struct {
	db *database.DB
}

// NewAuthSessionRepository constructs an AuthSessionRepository over db.
func NewAuthSessionRepository(db *database.DB) *AuthSessionRepository {
	return &AuthSessionRepository{db: db}
}

// Create inserts a new token row.
func (r *AuthSessionRepository) Create(ctx context.Context, s *AuthSession) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO auth_sessions (token, device_label, expires_at, last_activity)
		VALUES ($1, $2, $3, $4)
	`, s.Token, s.DeviceLabel, s.ExpiresAt, s.LastActivity)
	if err != nil {
		return fmt.Errorf("insert auth session: %w", err)
	}
	return nil
}

// Get fetches a token row.
func (r *AuthSessionRepository) Get(ctx context.Context, token string) (*AuthSession, error) {
	row := r.db.QueryRow(ctx, `
		SELECT token, device_label, expires_at, last_activity, revoked_at, created_at
		FROM auth_sessions WHERE token = $1
	`, token)
	return scanAuthSession(row)
}

// TouchLastActivity fire-and-forget bumps last_activity, tolerating a
// losing race against a concurrent rotation by simply not matching any row.
func (r *AuthSessionRepository) TouchLastActivity(ctx context.Context, token string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE auth_sessions SET last_activity = $2 WHERE token = $1`, token, at)
	if err != nil {
		return fmt.Errorf("touch auth session: %w", err)
	}
	return nil
}

// Rotate atomically replaces oldToken with newToken and bumps
// last_activity, returning ErrNotFound if oldToken no longer names a row —
// the already-rotated-by-a-racing-request case, tolerated as best-effort.
func (r *AuthSessionRepository) Rotate(ctx context.Context, oldToken, newToken string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE auth_sessions SET token = $2, last_activity = $3 WHERE token = $1
	`, oldToken, newToken, at)
	if err != nil {
		return fmt.Errorf("rotate auth session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke marks a token revoked; it remains readable for audit but is
// never honored again.
func (r *AuthSessionRepository) Revoke(ctx context.Context, token string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE auth_sessions SET revoked_at = $2 WHERE token = $1 AND revoked_at IS NULL`, token, at)
	if err != nil {
		return fmt.Errorf("revoke auth session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAuthSession(row rowScanner) (*AuthSession, error) {
	var s AuthSession
	err := row.Scan(&s.Token, &s.DeviceLabel, &s.ExpiresAt, &s.LastActivity, &s.RevokedAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan auth session: %w", err)
	}
	return &s, nil
}
