package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/brendanlong/burrow-runtime/internal/common/database"
)

// ExecutionRepository persists AgentExecution rows.
// SessionID is the primary key, which enforces at most one row per session
// at the database level alongside the in-memory exectracker.
type ExecutionRepository struct {
	db *database.DB
}

// NewExecutionRepository constructs an ExecutionRepository over db.
func NewExecutionRepository(db *database.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Upsert inserts a new row or replaces the existing one for SessionID. The
// runner uses Insert semantics (no prior row should exist once its
// precondition check has passed); Upsert exists so recovery paths can
// safely re-register a row they already own.
func (r *ExecutionRepository) Upsert(ctx context.Context, e *AgentExecution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_executions (session_id, container_id, exec_id, output_file, last_sequence, pid)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			container_id = EXCLUDED.container_id,
			exec_id = EXCLUDED.exec_id,
			output_file = EXCLUDED.output_file,
			last_sequence = EXCLUDED.last_sequence,
			pid = EXCLUDED.pid,
			updated_at = now()
	`, e.SessionID, e.ContainerID, e.ExecID, e.OutputFile, e.LastSequence, e.PID)
	if err != nil {
		return fmt.Errorf("upsert agent execution: %w", err)
	}
	return nil
}

// Get fetches the AgentExecution row for sessionID, if any.
func (r *ExecutionRepository) Get(ctx context.Context, sessionID string) (*AgentExecution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT session_id, container_id, exec_id, output_file, last_sequence, pid, last_cost_usd, last_usage, created_at, updated_at
		FROM agent_executions WHERE session_id = $1
	`, sessionID)
	return scanExecution(row)
}

// ListAll returns every tracked execution row, used by the reconciler to
// find orphaned executions at startup.
func (r *ExecutionRepository) ListAll(ctx context.Context) ([]*AgentExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT session_id, container_id, exec_id, output_file, last_sequence, pid, last_cost_usd, last_usage, created_at, updated_at
		FROM agent_executions
	`)
	if err != nil {
		return nil, fmt.Errorf("list agent executions: %w", err)
	}
	defer rows.Close()

	var out []*AgentExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdatePID stores the discovered agent process id.
func (r *ExecutionRepository) UpdatePID(ctx context.Context, sessionID string, pid int) error {
	tag, err := r.db.Exec(ctx, `UPDATE agent_executions SET pid = $2, updated_at = now() WHERE session_id = $1`, sessionID, pid)
	if err != nil {
		return fmt.Errorf("update agent execution pid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastSequence advances the row's bookkeeping after a message has
// been persisted from this execution's output.
func (r *ExecutionRepository) UpdateLastSequence(ctx context.Context, sessionID string, lastSequence int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE agent_executions SET last_sequence = $2, updated_at = now() WHERE session_id = $1`, sessionID, lastSequence)
	if err != nil {
		return fmt.Errorf("update agent execution last_sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUsage records the result event's cost/usage fields for operator
// visibility.
func (r *ExecutionRepository) UpdateUsage(ctx context.Context, sessionID string, costUSD float64, usageJSON string) error {
	_, err := r.db.Exec(ctx, `UPDATE agent_executions SET last_cost_usd = $2, last_usage = $3, updated_at = now() WHERE session_id = $1`,
		sessionID, costUSD, usageJSON)
	if err != nil {
		return fmt.Errorf("update agent execution usage: %w", err)
	}
	return nil
}

// Delete removes the row, used on guaranteed cleanup and
// when a stale/finished execution has been fully reconciled.
func (r *ExecutionRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM agent_executions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete agent execution: %w", err)
	}
	return nil
}

func scanExecution(row rowScanner) (*AgentExecution, error) {
	var e AgentExecution
	err := row.Scan(&e.SessionID, &e.ContainerID, &e.ExecID, &e.OutputFile, &e.LastSequence, &e.PID,
		&e.LastCostUSD, &e.LastUsage, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent execution: %w", err)
	}
	return &e, nil
}
