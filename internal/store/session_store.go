package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
	"github.com/brendanlong/burrow-runtime/internal/common/database"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// SessionRepository persists Session rows.
type SessionRepository struct {
	db *database.DB
}

// NewSessionRepository constructs a SessionRepository over db.
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session row in the `creating` status.
func (r *SessionRepository) Create(ctx context.Context, s *Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, display_name, repo_owner, repo_name, branch, initial_prompt, status, container_id, workspace_volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.DisplayName, s.RepoOwner, s.RepoName, s.Branch, s.InitialPrompt, s.Status, s.ContainerID, s.WorkspaceVolume)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get fetches a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, display_name, repo_owner, repo_name, branch, initial_prompt, status, container_id, workspace_volume, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// List returns every session, most recently updated first.
func (r *SessionRepository) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, display_name, repo_owner, repo_name, branch, initial_prompt, status, container_id, workspace_volume, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListByStatus returns every session whose status is one of statuses.
func (r *SessionRepository) ListByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, display_name, repo_owner, repo_name, branch, initial_prompt, status, container_id, workspace_volume, created_at, updated_at
		FROM sessions WHERE status = ANY($1)
	`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a session's status.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContainer records the container assigned to a session, used after
// create/start and by the reconciler when a container has been recreated.
func (r *SessionRepository) UpdateContainer(ctx context.Context, id, containerID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE sessions SET container_id = $2, updated_at = now() WHERE id = $1`, id, containerID)
	if err != nil {
		return fmt.Errorf("update session container: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatusAndContainer updates both fields atomically, used by the
// reconciler when a container was recreated under a stored session.
func (r *SessionRepository) UpdateStatusAndContainer(ctx context.Context, id string, status SessionStatus, containerID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE sessions SET status = $2, container_id = $3, updated_at = now() WHERE id = $1`, id, status, containerID)
	if err != nil {
		return fmt.Errorf("update session status and container: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the session row; cascading FKs remove its messages.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.DisplayName, &s.RepoOwner, &s.RepoName, &s.Branch, &s.InitialPrompt,
		&s.Status, &s.ContainerID, &s.WorkspaceVolume, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

func statusStrings(statuses []SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
