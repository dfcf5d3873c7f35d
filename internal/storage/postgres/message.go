package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/servicehub/chatcore/internal/types"
)

// MessageRepository handles database operations for messages.
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create stores msg and fills in its id and timestamp. A second write with
// the same client id returns the first message's identity and reports
// created=false; the receiver's unread counter only moves on the first.
func (r *MessageRepository) Create(ctx context.Context, msg *types.Message) (bool, error) {
	convID, err := parseID(msg.ConversationID)
	if err != nil {
		return false, err
	}
	body, err := encodePayload(msg)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id        pgtype.UUID
		createdAt pgtype.Timestamptz
	)
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, client_id, sender_id, sender_role, kind, content, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, client_id) WHERE client_id IS NOT NULL DO NOTHING
		RETURNING id, created_at`,
		uuidToPgtype(uuid.New()), convID, stringToPgtext(msg.ClientID), msg.SenderID,
		string(msg.SenderRole), string(msg.Kind), msg.Content, body,
	).Scan(&id, &createdAt)

	created := true
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		created = false
		err = tx.QueryRow(ctx, `SELECT id, created_at FROM messages WHERE conversation_id = $1 AND client_id = $2`,
			convID, msg.ClientID).Scan(&id, &createdAt)
		if err != nil {
			return false, fmt.Errorf("load existing message: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("create message: %w", err)
	}

	if created {
		col := unreadColumn(counterpart(msg.SenderRole))
		tag, err := tx.Exec(ctx, `UPDATE conversations SET `+col+` = `+col+` + 1, updated_at = now() WHERE id = $1`, convID)
		if err != nil {
			return false, fmt.Errorf("bump unread: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, ErrNotFound
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	msg.ID = pgtypeToString(id)
	msg.Timestamp = pgtimestamptzToTime(createdAt)
	return created, nil
}

// GetByID returns a message by id.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*types.Message, error) {
	pgID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	msg, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// Page returns one newest-first page of a conversation. Pages start at 1.
func (r *MessageRepository) Page(ctx context.Context, conversationID string, page, limit int) (*types.Page, error) {
	convID, err := parseID(conversationID)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1`, convID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		convID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}
	defer rows.Close()

	msgs := []types.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}

	return &types.Page{
		Messages:   msgs,
		Page:       page,
		TotalPages: totalPages(total, limit),
		Total:      total,
	}, nil
}

// Delete removes a message.
func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	pgID, err := parseID(id)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Recall blanks a message's content and payload and flags it recalled.
func (r *MessageRepository) Recall(ctx context.Context, id string) error {
	pgID, err := parseID(id)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE messages SET recalled = true, content = '', payload = '{}' WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("recall message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
