package ack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/repository"
)

type fixture struct {
	rec      *Reconciler
	messages *repository.MessageRepository
	ids      []string
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	sessions := repository.NewSessionRepository(d)
	if err := sessions.Save(ctx, &models.Session{ID: "s1", Name: "main"}); err != nil {
		t.Fatal(err)
	}
	campaign := &models.Campaign{Name: "promo", SessionID: "s1", Template: "hi"}
	if err := repository.NewCampaignRepository(d).Create(ctx, campaign); err != nil {
		t.Fatal(err)
	}

	msgs := make([]models.RecipientMessage, n)
	for i := range msgs {
		msgs[i] = models.RecipientMessage{Recipient: "100" + string(rune('0'+i)), Content: "hi"}
	}
	messages := repository.NewMessageRepository(d)
	if err := messages.CreateBatch(ctx, campaign.ID, msgs); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		rec:      New(messages, slog.New(slog.NewTextHandler(io.Discard, nil))),
		messages: messages,
	}
	for i, m := range msgs {
		ext := "ext-" + string(rune('a'+i))
		if err := messages.MarkSent(ctx, m.ID, ext, time.Now()); err != nil {
			t.Fatal(err)
		}
		f.ids = append(f.ids, ext)
	}
	return f
}

func (f *fixture) status(t *testing.T, externalID string) *models.RecipientMessage {
	t.Helper()
	m, err := f.messages.GetByExternalID(context.Background(), externalID)
	if err != nil || m == nil {
		t.Fatalf("GetByExternalID(%s) = %v, %v", externalID, m, err)
	}
	return m
}

func TestReceiptsAdvance(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.ids[0]

	if err := f.rec.HandleReceipt(ctx, id, "delivered"); err != nil {
		t.Fatal(err)
	}
	m := f.status(t, id)
	if m.Status != models.MessageDelivered || m.DeliveredAt == nil {
		t.Fatalf("after delivered: status=%s delivered_at=%v", m.Status, m.DeliveredAt)
	}

	if err := f.rec.HandleReceipt(ctx, id, "read"); err != nil {
		t.Fatal(err)
	}
	if m := f.status(t, id); m.Status != models.MessageRead || m.ReadAt == nil {
		t.Fatalf("after read: status=%s", m.Status)
	}
}

func TestReceiptsNeverRegress(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.ids[0]

	f.rec.HandleReceipt(ctx, id, "read")
	for _, level := range []string{"delivered", "sent"} {
		if err := f.rec.HandleReceipt(ctx, id, level); err != nil {
			t.Fatalf("HandleReceipt(%s) error = %v", level, err)
		}
	}
	if m := f.status(t, id); m.Status != models.MessageRead {
		t.Errorf("status = %s, want read", m.Status)
	}

	// A read message cannot fail afterwards
	f.rec.HandleStatus(ctx, StatusUpdate{ExternalID: id, Status: models.MessageFailed, Error: "late"})
	if m := f.status(t, id); m.Status != models.MessageRead {
		t.Errorf("status = %s, want read", m.Status)
	}
}

func TestWebhookFailed(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := f.rec.HandleStatus(ctx, StatusUpdate{
		ExternalID: f.ids[0],
		Status:     models.MessageFailed,
		Error:      "recipient blocked",
		Timestamp:  at,
	})
	if err != nil {
		t.Fatal(err)
	}
	m := f.status(t, f.ids[0])
	if m.Status != models.MessageFailed || m.Error != "recipient blocked" {
		t.Fatalf("status=%s error=%q", m.Status, m.Error)
	}
	if m.FailedAt == nil || !m.FailedAt.Equal(at) {
		t.Errorf("FailedAt = %v, want %v", m.FailedAt, at)
	}

	// Delivered messages no longer accept failure
	f.rec.HandleReceipt(ctx, f.ids[1], "delivered")
	f.rec.HandleStatus(ctx, StatusUpdate{ExternalID: f.ids[1], Status: models.MessageFailed, Error: "x"})
	if m := f.status(t, f.ids[1]); m.Status != models.MessageDelivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}

	// Failed messages ignore later receipts
	f.rec.HandleReceipt(ctx, f.ids[0], "read")
	if m := f.status(t, f.ids[0]); m.Status != models.MessageFailed {
		t.Errorf("status = %s, want failed", m.Status)
	}
}

func TestUnknownIDIgnored(t *testing.T) {
	f := newFixture(t, 1)
	if err := f.rec.HandleReceipt(context.Background(), "nope", "read"); err != nil {
		t.Errorf("HandleReceipt(unknown) error = %v", err)
	}
}

func TestInvalidInput(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"pending receipt", func() error { return f.rec.HandleReceipt(ctx, f.ids[0], "pending") }},
		{"failed receipt", func() error { return f.rec.HandleReceipt(ctx, f.ids[0], "failed") }},
		{"unknown status", func() error {
			return f.rec.HandleStatus(ctx, StatusUpdate{ExternalID: f.ids[0], Status: "bounced"})
		}},
		{"missing id", func() error { return f.rec.HandleStatus(ctx, StatusUpdate{Status: models.MessageRead}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

type failingStore struct{}

func (failingStore) UpdateStatusIf(ctx context.Context, externalID string, target models.MessageStatus,
	allowedFrom []models.MessageStatus, errMsg string, at time.Time) (bool, error) {
	return false, repository.ErrStoreUnavailable
}

func TestStoreErrorPropagates(t *testing.T) {
	r := New(failingStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := r.HandleReceipt(context.Background(), "ext-1", "read")
	if !errors.Is(err, repository.ErrStoreUnavailable) {
		t.Errorf("error = %v, want ErrStoreUnavailable", err)
	}
}
