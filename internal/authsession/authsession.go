// Package authsession is the idle-expiry, rotating bearer token table
// consumed by the HTTP facade on every authenticated request. It is owned
// by the core, not the facade, because of the rotation contract — the
// facade must surface whatever token the manager hands back so the client
// can persist it.
package authsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

// Config tunes the idle-expiry, rotation, and activity-throttle thresholds.
type Config struct {
	IdleTimeout            time.Duration
	RotationInterval       time.Duration
	ActivityUpdateThrottle time.Duration
	SessionLifetime        time.Duration
}

// DefaultConfig gives conservative defaults for a long-lived interactive
// session: a day of idle tolerance, weekly rotation, and activity
// timestamps coalesced to once a minute.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:            24 * time.Hour,
		RotationInterval:       7 * 24 * time.Hour,
		ActivityUpdateThrottle: time.Minute,
		SessionLifetime:        30 * 24 * time.Hour,
	}
}

// Manager implements the authenticate-and-maybe-rotate contract.
type Manager struct {
	repo   *store.AuthSessionRepository
	cfg    Config
	logger *logger.Logger
}

// New constructs a Manager.
func New(repo *store.AuthSessionRepository, cfg Config, log *logger.Logger) *Manager {
	return &Manager{repo: repo, cfg: cfg, logger: log.WithFields(zap.String("component", "authsession"))}
}

// Result is what Authenticate hands back to the facade: whether the token
// was honored, and — on rotation — the new token value the response must
// carry back to the caller.
type Result struct {
	Valid    bool
	NewToken string // non-empty only when rotation happened
	Rotated  bool
}

// Issue creates a fresh token for a newly authenticated device.
func (m *Manager) Issue(ctx context.Context, deviceLabel string) (*store.AuthSession, error) {
	token, err := randomToken()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "generate token", err)
	}
	now := time.Now()
	s := &store.AuthSession{
		Token:        token,
		DeviceLabel:  deviceLabel,
		ExpiresAt:    now.Add(m.cfg.SessionLifetime),
		LastActivity: now,
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "create auth session", err)
	}
	return s, nil
}

// Authenticate validates a bearer token presented on an incoming request,
// rejecting it if expired, revoked, or idle past the timeout, and rotating
// it if its rotation interval has elapsed.
func (m *Manager) Authenticate(ctx context.Context, token string) (*Result, error) {
	s, err := m.repo.Get(ctx, token)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) || err == store.ErrNotFound {
			return &Result{Valid: false}, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "load auth session", err)
	}

	now := time.Now()

	// (1) reject if absent, revoked, or past expiry.
	if s.RevokedAt != nil {
		return &Result{Valid: false}, nil
	}
	if now.After(s.ExpiresAt) {
		return &Result{Valid: false}, nil
	}

	// (2) reject if idle too long.
	idleFor := now.Sub(s.LastActivity)
	if idleFor > m.cfg.IdleTimeout {
		return &Result{Valid: false}, nil
	}

	// (3) rotate if idle time exceeds the rotation interval.
	if idleFor > m.cfg.RotationInterval {
		newToken, err := randomToken()
		if err != nil {
			m.logger.Warn("token generation failed during rotation, proceeding unrotated", zap.Error(err))
			return &Result{Valid: true}, nil
		}
		if err := m.repo.Rotate(ctx, s.Token, newToken, now); err != nil {
			// best-effort: a racing request already rotated this token;
			// proceed with the old session, the next request will rotate.
			m.logger.Debug("token rotation lost a race, proceeding with old token", zap.Error(err))
			return &Result{Valid: true}, nil
		}
		return &Result{Valid: true, NewToken: newToken, Rotated: true}, nil
	}

	// (4) otherwise fire-and-forget a throttled last-activity bump.
	if idleFor > m.cfg.ActivityUpdateThrottle {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.repo.TouchLastActivity(bgCtx, s.Token, now); err != nil {
				m.logger.Debug("last-activity touch failed, ignoring", zap.Error(err))
			}
		}()
	}

	return &Result{Valid: true}, nil
}

// Revoke invalidates a token immediately (e.g. on explicit logout).
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if err := m.repo.Revoke(ctx, token, time.Now()); err != nil {
		if err == store.ErrNotFound {
			return apperrors.New(apperrors.CodeNotFound, "auth session not found")
		}
		return apperrors.Wrap(apperrors.CodeEngineFailure, "revoke auth session", err)
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
