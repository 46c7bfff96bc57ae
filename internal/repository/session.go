package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/models"
)

const sessionColumns = `id, name, status, auto_reconnect, restart_count, account_id, account_name, platform,
	last_connected_at, last_error, scan_payload, scan_image, scan_issued_at, created_at, updated_at`

type SessionRepository struct {
	db *db.DB
}

func NewSessionRepository(d *db.DB) *SessionRepository {
	return &SessionRepository{db: d}
}

// Save inserts a session or updates its name and auto-reconnect flag
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	ts := now()
	if s.Status == "" {
		s.Status = models.SessionDisconnected
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = ts
	}
	s.UpdatedAt = ts

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, status, auto_reconnect, restart_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, auto_reconnect = excluded.auto_reconnect,
			updated_at = excluded.updated_at`,
		s.ID, s.Name, s.Status, s.AutoReconnect, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return storeErr("save session", err)
	}
	r.db.Feed.Publish("sessions", s.ID, db.OpUpdate)
	return nil
}

// Get returns a session by ID, or nil if it does not exist
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return s, nil
}

// List returns all sessions ordered by creation time
func (r *SessionRepository) List(ctx context.Context) ([]models.Session, error) {
	return r.query(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY created_at")
}

// ListAutoReconnect returns sessions that should be restored at startup
func (r *SessionRepository) ListAutoReconnect(ctx context.Context) ([]models.Session, error) {
	return r.query(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE auto_reconnect = 1 ORDER BY created_at")
}

func (r *SessionRepository) query(ctx context.Context, q string, args ...any) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, storeErr("list sessions", rows.Err())
}

// Update applies a partial update produced by a lifecycle event
func (r *SessionRepository) Update(ctx context.Context, id string, u models.SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{now()}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	if u.AccountID != nil {
		sets = append(sets, "account_id = ?")
		args = append(args, *u.AccountID)
	}
	if u.AccountName != nil {
		sets = append(sets, "account_name = ?")
		args = append(args, *u.AccountName)
	}
	if u.Platform != nil {
		sets = append(sets, "platform = ?")
		args = append(args, *u.Platform)
	}
	if u.LastConnectedAt != nil {
		sets = append(sets, "last_connected_at = ?")
		args = append(args, u.LastConnectedAt.UTC())
	}
	if u.ClearScan {
		sets = append(sets, "scan_payload = ''", "scan_image = ''", "scan_issued_at = NULL")
	} else {
		if u.ScanPayload != nil {
			sets = append(sets, "scan_payload = ?")
			args = append(args, *u.ScanPayload)
		}
		if u.ScanImage != nil {
			sets = append(sets, "scan_image = ?")
			args = append(args, *u.ScanImage)
		}
		if u.ScanIssuedAt != nil {
			sets = append(sets, "scan_issued_at = ?")
			args = append(args, u.ScanIssuedAt.UTC())
		}
	}
	if u.RestartCount != nil {
		sets = append(sets, "restart_count = ?")
		args = append(args, *u.RestartCount)
	}

	args = append(args, id)
	res, err := r.db.ExecContext(ctx, "UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return storeErr("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.db.Feed.Publish("sessions", id, db.OpUpdate)
	return nil
}

// IncrementRestartCount bumps the restart counter and returns the new value
func (r *SessionRepository) IncrementRestartCount(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE sessions SET restart_count = restart_count + 1, updated_at = ?
		WHERE id = ? RETURNING restart_count`, now(), id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storeErr("increment restart count", err)
	}
	r.db.Feed.Publish("sessions", id, db.OpUpdate)
	return count, nil
}

// ClearStaleScans removes scan payloads issued before the cutoff
func (r *SessionRepository) ClearStaleScans(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET scan_payload = '', scan_image = '', scan_issued_at = NULL, updated_at = ?
		WHERE scan_issued_at IS NOT NULL AND scan_issued_at < ?`, now(), before.UTC())
	if err != nil {
		return 0, storeErr("clear stale scans", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.db.Feed.Publish("sessions", "", db.OpUpdate)
	}
	return int(n), nil
}

// Delete removes a session record
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return storeErr("delete session", err)
	}
	r.db.Feed.Publish("sessions", id, db.OpDelete)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	s := &models.Session{}
	var lastConnected, scanIssued sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.Status, &s.AutoReconnect, &s.RestartCount, &s.AccountID,
		&s.AccountName, &s.Platform, &lastConnected, &s.LastError, &s.ScanPayload, &s.ScanImage,
		&scanIssued, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.LastConnectedAt = timePtr(lastConnected)
	s.ScanIssuedAt = timePtr(scanIssued)
	return s, nil
}
