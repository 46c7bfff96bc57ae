package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/models"
)

const contactColumns = `id, phone, name, fields, tags, opted_out, created_at, updated_at`

type ContactRepository struct {
	db *db.DB
}

func NewContactRepository(d *db.DB) *ContactRepository {
	return &ContactRepository{db: d}
}

// Upsert creates a contact or replaces the one with the same phone
func (r *ContactRepository) Upsert(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	ts := now()
	c.CreatedAt = ts
	c.UpdatedAt = ts

	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, phone, name, fields, tags, opted_out, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET name = excluded.name, fields = excluded.fields,
			tags = excluded.tags, opted_out = excluded.opted_out, updated_at = excluded.updated_at
		RETURNING id`,
		c.ID, c.Phone, c.Name, string(fields), string(tags), c.OptedOut, ts, ts,
	).Scan(&c.ID)
	if err != nil {
		return storeErr("upsert contact", err)
	}
	if err := r.db.QueryRowContext(ctx, "SELECT created_at FROM contacts WHERE id = ?", c.ID).Scan(&c.CreatedAt); err != nil {
		return storeErr("upsert contact", err)
	}
	r.db.Feed.Publish("contacts", c.ID, db.OpUpdate)
	return nil
}

// Get returns a contact by ID, or nil if it does not exist
func (r *ContactRepository) Get(ctx context.Context, id string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+contactColumns+" FROM contacts WHERE id = ?", id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get contact", err)
	}
	return c, nil
}

// List returns contacts with optional filtering
func (r *ContactRepository) List(ctx context.Context, filter models.ContactFilter) ([]models.Contact, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Tag != "" {
		where += " AND EXISTS (SELECT 1 FROM json_each(contacts.tags) WHERE json_each.value = ?)"
		args = append(args, filter.Tag)
	}
	if filter.Search != "" {
		where += " AND (name LIKE ? OR phone LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts"+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count contacts", err)
	}

	query := "SELECT " + contactColumns + " FROM contacts" + where + " ORDER BY created_at, phone"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	contacts, err := r.query(ctx, query, args...)
	return contacts, total, err
}

// ListEligible returns contacts that may receive a campaign for the given tag.
// An empty tag selects every contact; opted-out contacts are never returned.
func (r *ContactRepository) ListEligible(ctx context.Context, tag string) ([]models.Contact, error) {
	query := "SELECT " + contactColumns + " FROM contacts WHERE opted_out = 0"
	args := []any{}
	if tag != "" {
		query += " AND EXISTS (SELECT 1 FROM json_each(contacts.tags) WHERE json_each.value = ?)"
		args = append(args, tag)
	}
	query += " ORDER BY created_at, phone"
	return r.query(ctx, query, args...)
}

// Delete deletes a contact
func (r *ContactRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id)
	if err != nil {
		return storeErr("delete contact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.db.Feed.Publish("contacts", id, db.OpDelete)
	return nil
}

func (r *ContactRepository) query(ctx context.Context, q string, args ...any) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list contacts", err)
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, storeErr("scan contact", err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, storeErr("list contacts", rows.Err())
}

func scanContact(row rowScanner) (*models.Contact, error) {
	c := &models.Contact{}
	var fields, tags string
	if err := row.Scan(&c.ID, &c.Phone, &c.Name, &fields, &tags, &c.OptedOut, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
		c.Fields = map[string]string{}
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		c.Tags = []string{}
	}
	return c, nil
}
