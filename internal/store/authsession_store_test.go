package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthSession() *AuthSession {
	now := time.Now()
	return &AuthSession{
		Token:        uuid.New().String(),
		DeviceLabel:  "test-device",
		ExpiresAt:    now.Add(24 * time.Hour),
		LastActivity: now,
	}
}

func TestAuthSessionRepository_CreateGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuthSessionRepository(db)
	ctx := context.Background()

	s := newTestAuthSession()
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.Get(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.DeviceLabel, got.DeviceLabel)
	assert.Nil(t, got.RevokedAt)
}

func TestAuthSessionRepository_Rotate(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuthSessionRepository(db)
	ctx := context.Background()

	s := newTestAuthSession()
	require.NoError(t, repo.Create(ctx, s))

	newToken := uuid.New().String()
	require.NoError(t, repo.Rotate(ctx, s.Token, newToken, time.Now()))

	_, err := repo.Get(ctx, s.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := repo.Get(ctx, newToken)
	require.NoError(t, err)
	assert.Equal(t, newToken, got.Token)
}

func TestAuthSessionRepository_Rotate_LosingRace_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuthSessionRepository(db)

	err := repo.Rotate(context.Background(), "never-issued-token", uuid.New().String(), time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthSessionRepository_Revoke(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuthSessionRepository(db)
	ctx := context.Background()

	s := newTestAuthSession()
	require.NoError(t, repo.Create(ctx, s))
	require.NoError(t, repo.Revoke(ctx, s.Token, time.Now()))

	got, err := repo.Get(ctx, s.Token)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
}

func TestAuthSessionRepository_Revoke_AlreadyRevoked_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuthSessionRepository(db)
	ctx := context.Background()

	s := newTestAuthSession()
	require.NoError(t, repo.Create(ctx, s))
	require.NoError(t, repo.Revoke(ctx, s.Token, time.Now()))

	assert.ErrorIs(t, repo.Revoke(ctx, s.Token, time.Now()), ErrNotFound)
}
