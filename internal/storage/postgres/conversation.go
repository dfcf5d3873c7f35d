package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/servicehub/chatcore/internal/types"
)

// ErrNotFound is returned when a resource is not found.
var ErrNotFound = errors.New("not found")

// ConversationRepository handles database operations for conversations.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// Open returns the conversation between userID and agentID, creating it on
// first contact.
func (r *ConversationRepository) Open(ctx context.Context, userID, agentID string) (*types.Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, agent_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, agent_id) DO UPDATE SET updated_at = conversations.updated_at
		RETURNING `+conversationColumns,
		uuidToPgtype(uuid.New()), userID, agentID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	return conv, nil
}

// GetByID returns a conversation by id.
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*types.Conversation, error) {
	pgID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	conv, err := scanConversation(r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, pgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListForParticipant returns the conversations userID takes part in, most
// recently active first.
func (r *ConversationRepository) ListForParticipant(ctx context.Context, userID string) ([]types.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = $1 OR agent_id = $1
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	result := []types.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return result, nil
}

// MarkRead zeroes the reader side unread counter and flags every message
// from the other side as read. Repeating it changes nothing.
func (r *ConversationRepository) MarkRead(ctx context.Context, id string, reader types.Role) error {
	pgID, err := parseID(id)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE conversations SET `+unreadColumn(reader)+` = 0 WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `
		UPDATE messages SET is_read = true
		WHERE conversation_id = $1 AND sender_role <> $2 AND NOT is_read`,
		pgID, string(reader)); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
