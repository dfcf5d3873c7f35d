package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/servicehub/chatcore/internal/types"
)

// UUID conversions

// parseID converts an external id. Malformed ids cannot match any row, so
// they map to ErrNotFound.
func parseID(s string) (pgtype.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{}, ErrNotFound
	}
	return uuidToPgtype(id), nil
}

func uuidToPgtype(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{
		Bytes: id,
		Valid: true,
	}
}

func pgtypeToString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

// Text conversions

func stringToPgtext(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func pgtextToString(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}

// Timestamptz conversions

func pgtimestamptzToTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// payload is the jsonb column holding the kind specific fields.
type payload struct {
	Media    *types.Media      `json:"media,omitempty"`
	Location *types.Location   `json:"location,omitempty"`
	Call     *types.CallRecord `json:"call,omitempty"`
}

func encodePayload(m *types.Message) ([]byte, error) {
	b, err := json.Marshal(payload{Media: m.Media, Location: m.Location, Call: m.Call})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Model conversions

const messageColumns = `id, conversation_id, client_id, sender_id, sender_role, kind, content, payload, is_read, recalled, created_at`

func scanMessage(row pgx.Row) (*types.Message, error) {
	var (
		id, convID pgtype.UUID
		clientID   pgtype.Text
		role, kind string
		raw        []byte
		createdAt  pgtype.Timestamptz
		m          types.Message
	)
	if err := row.Scan(&id, &convID, &clientID, &m.SenderID, &role, &kind, &m.Content, &raw, &m.IsRead, &m.Recalled, &createdAt); err != nil {
		return nil, err
	}
	var p payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	m.ID = pgtypeToString(id)
	m.ConversationID = pgtypeToString(convID)
	m.ClientID = pgtextToString(clientID)
	m.SenderRole = types.Role(role)
	m.Kind = types.Kind(kind)
	m.Media, m.Location, m.Call = p.Media, p.Location, p.Call
	m.Timestamp = pgtimestamptzToTime(createdAt)
	return &m, nil
}

const conversationColumns = `id, user_id, agent_id, unread_user, unread_agent, created_at, updated_at`

func scanConversation(row pgx.Row) (*types.Conversation, error) {
	var (
		id                   pgtype.UUID
		createdAt, updatedAt pgtype.Timestamptz
		c                    types.Conversation
	)
	if err := row.Scan(&id, &c.UserID, &c.AgentID, &c.UnreadUser, &c.UnreadAgent, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ID = pgtypeToString(id)
	c.CreatedAt = pgtimestamptzToTime(createdAt)
	c.UpdatedAt = pgtimestamptzToTime(updatedAt)
	return &c, nil
}

// unreadColumn is the counter owned by role.
func unreadColumn(role types.Role) string {
	if role == types.RoleAgent {
		return "unread_agent"
	}
	return "unread_user"
}

// counterpart is the role on the receiving side of a message sent by role.
func counterpart(role types.Role) types.Role {
	if role == types.RoleAgent {
		return types.RoleUser
	}
	return types.RoleAgent
}

func totalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
