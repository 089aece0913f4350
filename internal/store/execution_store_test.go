package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRepository_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	executions := NewExecutionRepository(db)
	ctx := context.Background()

	s := createTestSession(t, sessions)
	e := &AgentExecution{SessionID: s.ID, ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl", LastSequence: -1}
	require.NoError(t, executions.Upsert(ctx, e))

	got, err := executions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ContainerID)
	assert.Equal(t, "exec-1", got.ExecID)
}

func TestExecutionRepository_Upsert_ReplacesExistingRow(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	executions := NewExecutionRepository(db)
	ctx := context.Background()

	s := createTestSession(t, sessions)
	require.NoError(t, executions.Upsert(ctx, &AgentExecution{SessionID: s.ID, ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/a", LastSequence: -1}))
	require.NoError(t, executions.Upsert(ctx, &AgentExecution{SessionID: s.ID, ContainerID: "c-2", ExecID: "exec-2", OutputFile: "/tmp/b", LastSequence: 3}))

	got, err := executions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "c-2", got.ContainerID)
	assert.Equal(t, int64(3), got.LastSequence)
}

func TestExecutionRepository_UpdatePID_NoRow_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	executions := NewExecutionRepository(db)

	err := executions.UpdatePID(context.Background(), "nonexistent-session", 1234)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionRepository_ListAll(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	executions := NewExecutionRepository(db)
	ctx := context.Background()

	s1 := createTestSession(t, sessions)
	s2 := createTestSession(t, sessions)
	require.NoError(t, executions.Upsert(ctx, &AgentExecution{SessionID: s1.ID, ContainerID: "c-1", ExecID: "e-1", OutputFile: "/tmp/a", LastSequence: -1}))
	require.NoError(t, executions.Upsert(ctx, &AgentExecution{SessionID: s2.ID, ContainerID: "c-2", ExecID: "e-2", OutputFile: "/tmp/b", LastSequence: -1}))

	got, err := executions.ListAll(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(got), 2)
}

func TestExecutionRepository_Delete(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	executions := NewExecutionRepository(db)
	ctx := context.Background()

	s := createTestSession(t, sessions)
	require.NoError(t, executions.Upsert(ctx, &AgentExecution{SessionID: s.ID, ContainerID: "c-1", ExecID: "e-1", OutputFile: "/tmp/a", LastSequence: -1}))
	require.NoError(t, executions.Delete(ctx, s.ID))

	_, err := executions.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
