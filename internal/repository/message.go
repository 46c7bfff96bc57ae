package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/models"
)

const messageColumns = `id, campaign_id, contact_id, seq, recipient, content, attachment, status,
	external_id, error, sent_at, delivered_at, read_at, failed_at, created_at`

type MessageRepository struct {
	db *db.DB
}

func NewMessageRepository(d *db.DB) *MessageRepository {
	return &MessageRepository{db: d}
}

// CreateBatch inserts the messages of a campaign in one transaction.
// Sequence numbers follow slice order.
func (r *MessageRepository) CreateBatch(ctx context.Context, campaignID string, msgs []models.RecipientMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin message batch", err)
	}
	defer tx.Rollback()

	if err := insertMessages(ctx, tx, campaignID, msgs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit message batch", err)
	}
	return nil
}

// insertMessages writes pending rows numbered in slice order
func insertMessages(ctx context.Context, tx *sql.Tx, campaignID string, msgs []models.RecipientMessage) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recipient_messages (id, campaign_id, contact_id, seq, recipient, content, attachment, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storeErr("prepare message batch", err)
	}
	defer stmt.Close()

	ts := now()
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.CampaignID = campaignID
		m.Seq = i + 1
		m.Status = models.MessagePending
		m.CreatedAt = ts

		attachment, err := marshalAttachment(m.Attachment)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, m.ID, campaignID, m.ContactID, m.Seq, m.Recipient, m.Content,
			attachment, m.Status, ts); err != nil {
			return storeErr("insert message", err)
		}
	}
	return nil
}

// ListPending returns the campaign's pending messages in send order
func (r *MessageRepository) ListPending(ctx context.Context, campaignID string) ([]models.RecipientMessage, error) {
	return r.query(ctx, "SELECT "+messageColumns+` FROM recipient_messages
		WHERE campaign_id = ? AND status = ? ORDER BY seq`, campaignID, models.MessagePending)
}

// CountPending returns how many messages of the campaign are still pending
func (r *MessageRepository) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipient_messages WHERE campaign_id = ? AND status = ?`,
		campaignID, models.MessagePending).Scan(&n)
	if err != nil {
		return 0, storeErr("count pending messages", err)
	}
	return n, nil
}

// List returns a page of a campaign's messages and the total matching count
func (r *MessageRepository) List(ctx context.Context, filter models.MessageFilter) ([]models.RecipientMessage, int, error) {
	where := " WHERE campaign_id = ?"
	args := []any{filter.CampaignID}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recipient_messages"+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count messages", err)
	}

	query := "SELECT " + messageColumns + " FROM recipient_messages" + where + " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	msgs, err := r.query(ctx, query, args...)
	return msgs, total, err
}

// Get returns a message by ID, or nil if it does not exist
func (r *MessageRepository) Get(ctx context.Context, id string) (*models.RecipientMessage, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM recipient_messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get message", err)
	}
	return m, nil
}

// GetByExternalID finds the message the transport assigned externalID to
func (r *MessageRepository) GetByExternalID(ctx context.Context, externalID string) (*models.RecipientMessage, error) {
	if externalID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM recipient_messages WHERE external_id = ? LIMIT 1", externalID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get message by external id", err)
	}
	return m, nil
}

func (r *MessageRepository) query(ctx context.Context, q string, args ...any) ([]models.RecipientMessage, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	msgs := []models.RecipientMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr("scan message", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, storeErr("list messages", rows.Err())
}

// MarkSent records a successful send. Only pending rows change.
func (r *MessageRepository) MarkSent(ctx context.Context, id, externalID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipient_messages SET status = ?, external_id = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		models.MessageSent, externalID, at.UTC(), id, models.MessagePending)
	if err != nil {
		return storeErr("mark message sent", err)
	}
	r.db.Feed.Publish("recipient_messages", id, db.OpUpdate)
	return nil
}

// MarkFailed records a failed send attempt. Only pending rows change.
func (r *MessageRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipient_messages SET status = ?, error = ?, failed_at = ?
		WHERE id = ? AND status = ?`,
		models.MessageFailed, reason, at.UTC(), id, models.MessagePending)
	if err != nil {
		return storeErr("mark message failed", err)
	}
	r.db.Feed.Publish("recipient_messages", id, db.OpUpdate)
	return nil
}

// FailPending fails every pending message of a campaign with one reason
func (r *MessageRepository) FailPending(ctx context.Context, campaignID, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipient_messages SET status = ?, error = ?, failed_at = ?
		WHERE campaign_id = ? AND status = ?`,
		models.MessageFailed, reason, now(), campaignID, models.MessagePending)
	if err != nil {
		return 0, storeErr("fail pending messages", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.db.Feed.Publish("recipient_messages", campaignID, db.OpUpdate)
	}
	return int(n), nil
}

// UpdateStatusIf moves the message identified by externalID to target when its current
// status is in allowedFrom. It reports whether a row changed.
func (r *MessageRepository) UpdateStatusIf(ctx context.Context, externalID string, target models.MessageStatus,
	allowedFrom []models.MessageStatus, errMsg string, at time.Time) (bool, error) {
	if externalID == "" || len(allowedFrom) == 0 {
		return false, nil
	}

	var tsColumn string
	switch target {
	case models.MessageSent:
		tsColumn = "sent_at"
	case models.MessageDelivered:
		tsColumn = "delivered_at"
	case models.MessageRead:
		tsColumn = "read_at"
	case models.MessageFailed:
		tsColumn = "failed_at"
	default:
		return false, fmt.Errorf("unsupported message status %q", target)
	}

	set := "status = ?, " + tsColumn + " = ?"
	args := []any{target, at.UTC()}
	if target == models.MessageFailed {
		set += ", error = ?"
		args = append(args, errMsg)
	}
	args = append(args, externalID)
	for _, s := range allowedFrom {
		args = append(args, s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowedFrom)), ",")

	res, err := r.db.ExecContext(ctx, "UPDATE recipient_messages SET "+set+
		" WHERE external_id = ? AND status IN ("+placeholders+")", args...)
	if err != nil {
		return false, storeErr("update message status", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.db.Feed.Publish("recipient_messages", externalID, db.OpUpdate)
	}
	return n > 0, nil
}

// Stats recomputes campaign counters from message rows.
// Sent counts everything that left the queue; delivered includes read.
func (r *MessageRepository) Stats(ctx context.Context, campaignID string) (models.CampaignStats, error) {
	var s models.CampaignStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('sent', 'delivered', 'read') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('delivered', 'read') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'read' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM recipient_messages WHERE campaign_id = ?`, campaignID,
	).Scan(&s.Total, &s.Pending, &s.Sent, &s.Delivered, &s.Read, &s.Failed)
	if err != nil {
		return s, storeErr("campaign stats", err)
	}
	return s, nil
}

func scanMessage(row rowScanner) (*models.RecipientMessage, error) {
	m := &models.RecipientMessage{}
	var attachment sql.NullString
	var sentAt, deliveredAt, readAt, failedAt sql.NullTime

	err := row.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.Seq, &m.Recipient, &m.Content, &attachment,
		&m.Status, &m.ExternalID, &m.Error, &sentAt, &deliveredAt, &readAt, &failedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Attachment = unmarshalAttachment(attachment)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.ReadAt = timePtr(readAt)
	m.FailedAt = timePtr(failedAt)
	return m, nil
}
