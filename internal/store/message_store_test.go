package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSession(t *testing.T, repo *SessionRepository) *Session {
	t.Helper()
	s := newTestSession()
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func TestMessageRepository_InsertAndListBySession(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	messages := NewMessageRepository(db)
	ctx := context.Background()

	s := createTestSession(t, sessions)

	m1 := &Message{ID: uuid.New().String(), SessionID: s.ID, Sequence: 0, Type: MessageUser, Content: `{"text":"hi"}`}
	m2 := &Message{ID: uuid.New().String(), SessionID: s.ID, Sequence: 1, Type: MessageAssistant, Content: `{"text":"hello"}`}
	require.NoError(t, messages.Insert(ctx, m1))
	require.NoError(t, messages.Insert(ctx, m2))

	got, err := messages.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, m1.ID, got[0].ID)
	assert.Equal(t, m2.ID, got[1].ID)
}

func TestMessageRepository_Insert_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	messages := NewMessageRepository(db)
	ctx := context.Background()

	s := createTestSession(t, sessions)
	m := &Message{ID: uuid.New().String(), SessionID: s.ID, Sequence: 0, Type: MessageUser, Content: "x"}
	require.NoError(t, messages.Insert(ctx, m))

	dup := &Message{ID: m.ID, SessionID: s.ID, Sequence: 1, Type: MessageUser, Content: "y"}
	assert.ErrorIs(t, messages.Insert(ctx, dup), ErrDuplicateMessageID)
}

func TestMessageRepository_Insert_SequenceTaken(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	messages := NewMessageRepository(db)
	ctx := context.Background()

	s := createTestSession(t, sessions)
	m := &Message{ID: uuid.New().String(), SessionID: s.ID, Sequence: 0, Type: MessageUser, Content: "x"}
	require.NoError(t, messages.Insert(ctx, m))

	collide := &Message{ID: uuid.New().String(), SessionID: s.ID, Sequence: 0, Type: MessageUser, Content: "y"}
	assert.ErrorIs(t, messages.Insert(ctx, collide), ErrSequenceTaken)
}

func TestMessageRepository_MaxSequence_EmptySession(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	messages := NewMessageRepository(db)
	ctx := context.Background()

	s := createTestSession(t, sessions)
	max, err := messages.MaxSequence(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), max)
}
