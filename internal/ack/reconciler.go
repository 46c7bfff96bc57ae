// Package ack applies asynchronous delivery signals to recipient messages.
package ack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
)

// Store updates message rows by external ID
type Store interface {
	UpdateStatusIf(ctx context.Context, externalID string, target models.MessageStatus,
		allowedFrom []models.MessageStatus, errMsg string, at time.Time) (bool, error)
}

// StatusUpdate is a delivery outcome reported by the gateway webhook
type StatusUpdate struct {
	ExternalID string
	Status     models.MessageStatus
	Error      string
	Timestamp  time.Time
}

// allowedFrom lists the states each target may be reached from. Statuses only move forward.
var allowedFrom = map[models.MessageStatus][]models.MessageStatus{
	models.MessageSent:      {models.MessagePending},
	models.MessageDelivered: {models.MessagePending, models.MessageSent},
	models.MessageRead:      {models.MessagePending, models.MessageSent, models.MessageDelivered},
	models.MessageFailed:    {models.MessagePending, models.MessageSent},
}

// Reconciler maps receipts and webhook outcomes onto message state
type Reconciler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a reconciler
func New(store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger.With("component", "ack"),
		now:    time.Now,
	}
}

// HandleReceipt applies a transport receipt. level is sent, delivered or read.
func (r *Reconciler) HandleReceipt(ctx context.Context, externalID, level string) error {
	status := models.MessageStatus(level)
	if status == models.MessageFailed || status == models.MessagePending {
		return fmt.Errorf("invalid receipt level %q", level)
	}
	return r.HandleStatus(ctx, StatusUpdate{ExternalID: externalID, Status: status})
}

// HandleStatus applies a delivery outcome. Unknown IDs and regressions are ignored.
func (r *Reconciler) HandleStatus(ctx context.Context, u StatusUpdate) error {
	from, ok := allowedFrom[u.Status]
	if !ok {
		return fmt.Errorf("invalid message status %q", u.Status)
	}
	if u.ExternalID == "" {
		return fmt.Errorf("missing message id")
	}

	at := u.Timestamp
	if at.IsZero() {
		at = r.now()
	}

	changed, err := r.store.UpdateStatusIf(ctx, u.ExternalID, u.Status, from, u.Error, at)
	if err != nil {
		return fmt.Errorf("apply %s for %s: %w", u.Status, u.ExternalID, err)
	}
	if !changed {
		r.logger.Debug("status update ignored", "external_id", u.ExternalID, "status", u.Status)
		return nil
	}

	metrics.IncReceipts(string(u.Status))
	r.logger.Debug("message status updated", "external_id", u.ExternalID, "status", u.Status)
	return nil
}
