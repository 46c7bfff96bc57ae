package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/transport"
)

// Chat message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type ConversationRepository struct {
	db *db.DB
}

func NewConversationRepository(d *db.DB) *ConversationRepository {
	return &ConversationRepository{db: d}
}

// Record stores one chat message and updates the conversation preview.
// Inbound messages bump the unread counter.
func (r *ConversationRepository) Record(ctx context.Context, sessionID, remote, remoteName string, msg *models.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	unread := 0
	if msg.Direction == DirectionInbound {
		unread = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin record message", err)
	}
	defer tx.Rollback()

	var convID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, session_id, remote_address, remote_name, last_message, last_message_at, unread_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, remote_address) DO UPDATE SET
			remote_name = CASE WHEN excluded.remote_name != '' THEN excluded.remote_name ELSE conversations.remote_name END,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = conversations.unread_count + ?
		RETURNING id`,
		uuid.New().String(), sessionID, remote, remoteName, msg.Body, msg.Timestamp, unread, now(), unread,
	).Scan(&convID)
	if err != nil {
		return storeErr("upsert conversation", err)
	}

	msg.ConversationID = convID
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, external_id, direction, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, convID, msg.ExternalID, msg.Direction, msg.Body, msg.Timestamp)
	if err != nil {
		return storeErr("insert chat message", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit record message", err)
	}
	r.db.Feed.Publish("conversations", convID, db.OpUpdate)
	r.db.Feed.Publish("chat_messages", msg.ID, db.OpInsert)
	return nil
}

// HandleInbound records a message received by a session
func (r *ConversationRepository) HandleInbound(ctx context.Context, sessionID string, in *transport.Incoming) error {
	return r.Record(ctx, sessionID, in.From, in.FromName, &models.ChatMessage{
		ExternalID: in.ExternalID,
		Direction:  DirectionInbound,
		Body:       in.Body,
		Timestamp:  in.Timestamp,
	})
}

// List returns a session's conversations, most recent first
func (r *ConversationRepository) List(ctx context.Context, sessionID string) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, remote_address, remote_name, last_message, last_message_at, unread_count, created_at
		FROM conversations WHERE session_id = ? ORDER BY last_message_at DESC`, sessionID)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.RemoteAddress, &c.RemoteName, &c.LastMessage,
			&c.LastMessageAt, &c.UnreadCount, &c.CreatedAt); err != nil {
			return nil, storeErr("scan conversation", err)
		}
		convs = append(convs, c)
	}
	return convs, storeErr("list conversations", rows.Err())
}

// Messages returns the oldest chat history of a conversation in chronological order
func (r *ConversationRepository) Messages(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, external_id, direction, body, sent_at
		FROM chat_messages WHERE conversation_id = ? ORDER BY sent_at LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, storeErr("list chat messages", err)
	}
	defer rows.Close()

	msgs := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ExternalID, &m.Direction, &m.Body, &m.Timestamp); err != nil {
			return nil, storeErr("scan chat message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, storeErr("list chat messages", rows.Err())
}

// MarkRead resets the unread counter of a conversation
func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE conversations SET unread_count = 0 WHERE id = ?", conversationID)
	if err != nil {
		return storeErr("mark conversation read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.db.Feed.Publish("conversations", conversationID, db.OpUpdate)
	return nil
}

