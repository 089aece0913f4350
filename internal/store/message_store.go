package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/brendanlong/burrow-runtime/internal/common/database"
)

const uniqueViolation = "23505"

// ErrDuplicateMessageID is returned by Insert when message-id uniqueness
// rejects the row — callers treat this as an idempotent replay and skip it.
var ErrDuplicateMessageID = errors.New("message id already exists")

// ErrSequenceTaken is returned by Insert when (session-id, sequence)
// uniqueness rejects the row — callers bump the sequence and retry once.
var ErrSequenceTaken = errors.New("sequence already taken for session")

// MessageRepository persists Message rows.
type MessageRepository struct {
	db *database.DB
}

// NewMessageRepository constructs a MessageRepository over db.
func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// MaxSequence returns the highest sequence stored for sessionID, or -1 if
// the session has no messages yet. Next sequence allocation is MaxSequence+1.
func (r *MessageRepository) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	var max *int64
	err := r.db.QueryRow(ctx, `SELECT MAX(sequence) FROM messages WHERE session_id = $1`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

// Insert attempts to persist m. It classifies the two unique-constraint
// violations callers need to distinguish: ErrDuplicateMessageID and
// ErrSequenceTaken.
func (r *MessageRepository) Insert(ctx context.Context, m *Message) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, session_id, sequence, type, content)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.SessionID, m.Sequence, m.Type, m.Content)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "messages_pkey":
			return ErrDuplicateMessageID
		case "messages_session_id_sequence_key":
			return ErrSequenceTaken
		default:
			return ErrDuplicateMessageID
		}
	}
	return fmt.Errorf("insert message: %w", err)
}

// ListBySession returns every message for sessionID in sequence order.
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, sequence, type, content, created_at
		FROM messages WHERE session_id = $1 ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastNonUser returns the most recent message in sessionID whose type is
// not `user`, used by markLastMessageAsInterrupted.
func (r *MessageRepository) LastNonUser(ctx context.Context, sessionID string) (*Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, session_id, sequence, type, content, created_at
		FROM messages WHERE session_id = $1 AND type != $2
		ORDER BY sequence DESC LIMIT 1
	`, sessionID, MessageUser)
	return scanMessage(row)
}

// UpdateContent overwrites a message's content in place, used to flip
// `interrupted: true` onto the last non-user message without touching its
// id, type, or sequence.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string) error {
	tag, err := r.db.Exec(ctx, `UPDATE messages SET content = $2 WHERE id = $1`, id, content)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether a message with this id has already been
// persisted, used to suppress duplicate partial-message SSE emission.
func (r *MessageRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message exists: %w", err)
	}
	return exists, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Sequence, &m.Type, &m.Content, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}
