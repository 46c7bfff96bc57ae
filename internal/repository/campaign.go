package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/models"
)

const campaignColumns = `id, name, session_id, recipient_tag, template, attachment, status, speed,
	total_recipients, sent_count, delivered_count, read_count, failed_count,
	scheduled_at, started_at, completed_at, created_at, updated_at`

type CampaignRepository struct {
	db *db.DB
}

func NewCampaignRepository(d *db.DB) *CampaignRepository {
	return &CampaignRepository{db: d}
}

// Create creates a new campaign in draft, or scheduled when a start time is set
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = models.CampaignDraft
	if c.ScheduledAt != nil {
		c.Status = models.CampaignScheduled
		t := c.ScheduledAt.UTC()
		c.ScheduledAt = &t
	}
	if c.Speed == "" {
		c.Speed = models.SpeedMedium
	}
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt

	attachment, err := marshalAttachment(c.Attachment)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, session_id, recipient_tag, template, attachment, status, speed,
			scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SessionID, c.RecipientTag, c.Template, attachment, c.Status, c.Speed,
		c.ScheduledAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return storeErr("create campaign", err)
	}
	r.db.Feed.Publish("campaigns", c.ID, db.OpInsert)
	return nil
}

// Get returns a campaign by ID, or nil if it does not exist
func (r *CampaignRepository) Get(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get campaign", err)
	}
	return c, nil
}

// GetStatus reads only the status column; the dispatch loop polls it before every send
func (r *CampaignRepository) GetStatus(ctx context.Context, id string) (models.CampaignStatus, error) {
	var status models.CampaignStatus
	err := r.db.QueryRowContext(ctx, "SELECT status FROM campaigns WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("get campaign status", err)
	}
	return status, nil
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count campaigns", err)
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	campaigns, err := r.query(ctx, query, args...)
	return campaigns, total, err
}

// ListDue returns scheduled campaigns whose start time has passed
func (r *CampaignRepository) ListDue(ctx context.Context, at time.Time) ([]models.Campaign, error) {
	return r.query(ctx, "SELECT "+campaignColumns+` FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`, models.CampaignScheduled, at.UTC())
}

// ListByStatus returns every campaign in the given status
func (r *CampaignRepository) ListByStatus(ctx context.Context, status models.CampaignStatus) ([]models.Campaign, error) {
	return r.query(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE status = ? ORDER BY created_at", status)
}

func (r *CampaignRepository) query(ctx context.Context, q string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list campaigns", err)
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, storeErr("scan campaign", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, storeErr("list campaigns", rows.Err())
}

// UpdateStatus sets the status unconditionally, stamping completion for terminal states
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	ts := now()
	var completedAt *time.Time
	if status == models.CampaignCompleted || status == models.CampaignFailed {
		completedAt = &ts
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ?`, status, completedAt, ts, id)
	if err != nil {
		return storeErr("update campaign status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.db.Feed.Publish("campaigns", id, db.OpUpdate)
	return nil
}

// TransitionStatus moves the campaign to status only if it is currently in one of from.
// It reports whether the row changed.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, now(), id}
	for _, s := range from {
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, storeErr("transition campaign status", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.db.Feed.Publish("campaigns", id, db.OpUpdate)
	}
	return n > 0, nil
}

// Launch moves a draft or scheduled campaign to sending, stamps its total and inserts its
// messages in one transaction. It reports false, writing nothing, when the campaign was not
// startable.
func (r *CampaignRepository) Launch(ctx context.Context, id string, msgs []models.RecipientMessage) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin campaign launch", err)
	}
	defer tx.Rollback()

	ts := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, total_recipients = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.CampaignSending, len(msgs), ts, ts, id, models.CampaignDraft, models.CampaignScheduled)
	if err != nil {
		return false, storeErr("mark campaign started", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := insertMessages(ctx, tx, id, msgs); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("commit campaign launch", err)
	}
	r.db.Feed.Publish("campaigns", id, db.OpUpdate)
	return true, nil
}

// MarkEmpty completes a draft or scheduled campaign that had no eligible recipients.
// It reports whether the row changed.
func (r *CampaignRepository) MarkEmpty(ctx context.Context, id string) (bool, error) {
	ts := now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, total_recipients = 0, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.CampaignCompleted, ts, ts, ts, id, models.CampaignDraft, models.CampaignScheduled)
	if err != nil {
		return false, storeErr("mark campaign empty", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.db.Feed.Publish("campaigns", id, db.OpUpdate)
	}
	return n > 0, nil
}

// Complete moves a sending or paused campaign to completed and stamps completion.
// It reports whether the row changed.
func (r *CampaignRepository) Complete(ctx context.Context, id string) (bool, error) {
	ts := now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.CampaignCompleted, ts, ts, id, models.CampaignSending, models.CampaignPaused)
	if err != nil {
		return false, storeErr("complete campaign", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.db.Feed.Publish("campaigns", id, db.OpUpdate)
	}
	return n > 0, nil
}

// UpdateCounters persists counters recomputed from message rows
func (r *CampaignRepository) UpdateCounters(ctx context.Context, id string, stats models.CampaignStats) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = ?, delivered_count = ?, read_count = ?, failed_count = ?, updated_at = ?
		WHERE id = ?`, stats.Sent, stats.Delivered, stats.Read, stats.Failed, now(), id)
	if err != nil {
		return storeErr("update campaign counters", err)
	}
	r.db.Feed.Publish("campaigns", id, db.OpUpdate)
	return nil
}

// Delete deletes a campaign and its messages. A sending campaign is refused with ErrCampaignActive.
func (r *CampaignRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM campaigns WHERE id = ? AND status <> ?", id, models.CampaignSending)
	if err != nil {
		return storeErr("delete campaign", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		status, err := r.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: campaign %s is %s", ErrCampaignActive, id, status)
	}
	r.db.Feed.Publish("campaigns", id, db.OpDelete)
	return nil
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var attachment sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&c.ID, &c.Name, &c.SessionID, &c.RecipientTag, &c.Template, &attachment, &c.Status,
		&c.Speed, &c.TotalRecipients, &c.Sent, &c.Delivered, &c.Read, &c.Failed,
		&scheduledAt, &startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Attachment = unmarshalAttachment(attachment)
	c.ScheduledAt = timePtr(scheduledAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

func marshalAttachment(a *models.Attachment) (any, error) {
	if a == nil || a.URL == "" {
		return nil, nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalAttachment(s sql.NullString) *models.Attachment {
	if !s.Valid || s.String == "" {
		return nil
	}
	var a models.Attachment
	if err := json.Unmarshal([]byte(s.String), &a); err != nil {
		return nil
	}
	return &a
}
