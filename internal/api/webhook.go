package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/foxzi/courier/internal/ack"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/repository"
	"github.com/foxzi/courier/internal/transport"
)

// Webhook event types
const (
	WebhookMessageStatus   = "message_status"
	WebhookSessionStatus   = "session_status"
	WebhookIncomingMessage = "incoming_message"
)

// WebhookEvent is the body of POST /webhooks/events
type WebhookEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// message_status
	MessageID string               `json:"message_id,omitempty"`
	Status    models.MessageStatus `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp,omitempty"`

	// session_status
	Event   transport.EventKind `json:"event,omitempty"`
	QR      string              `json:"qr,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Account *transport.Account  `json:"account,omitempty"`

	// incoming_message
	Message *transport.Incoming `json:"message,omitempty"`
}

// WebhookResponse acknowledges a webhook event
type WebhookResponse struct {
	Status string `json:"status"`
}

var sessionEvents = map[transport.EventKind]bool{
	transport.EventScan:          true,
	transport.EventAuthenticated: true,
	transport.EventReady:         true,
	transport.EventAuthFailure:   true,
	transport.EventDisconnected:  true,
}

func (e *WebhookEvent) validate() string {
	switch e.Type {
	case WebhookMessageStatus:
		if e.MessageID == "" {
			return "message_id is required"
		}
		switch e.Status {
		case models.MessageSent, models.MessageDelivered, models.MessageRead, models.MessageFailed:
		default:
			return "status must be sent, delivered, read or failed"
		}
	case WebhookSessionStatus:
		if e.SessionID == "" {
			return "session_id is required"
		}
		if !sessionEvents[e.Event] {
			return "unknown session event"
		}
	case WebhookIncomingMessage:
		if e.SessionID == "" {
			return "session_id is required"
		}
		if e.Message == nil || e.Message.From == "" {
			return "message.from is required"
		}
	default:
		return "unknown event type"
	}
	return ""
}

// handleWebhookEvent handles POST /webhooks/events.
// Processing errors are logged and acknowledged unless the fail-loud policy is set.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	var ev WebhookEvent
	if err := decode(r, &ev); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := ev.validate(); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	var err error
	switch ev.Type {
	case WebhookMessageStatus:
		err = s.Acks.HandleStatus(ctx, ack.StatusUpdate{
			ExternalID: ev.MessageID,
			Status:     ev.Status,
			Error:      ev.Error,
			Timestamp:  ev.Timestamp,
		})
	case WebhookSessionStatus:
		err = s.Registry.HandleEvent(ctx, ev.SessionID, transport.Event{
			Kind:        ev.Event,
			ScanPayload: ev.QR,
			Reason:      ev.Reason,
			Account:     ev.Account,
		})
	case WebhookIncomingMessage:
		err = s.Registry.HandleEvent(ctx, ev.SessionID, transport.Event{
			Kind:    transport.EventMessageReceived,
			Message: ev.Message,
		})
	}

	if err != nil {
		s.logger.Error("webhook event failed",
			"type", ev.Type,
			"session_id", ev.SessionID,
			"message_id", ev.MessageID,
			"error", err,
		)
		if s.FailLoud && errors.Is(err, repository.ErrStoreUnavailable) {
			s.sendError(w, http.StatusInternalServerError, "Failed to process event")
			return
		}
	}

	s.sendJSON(w, http.StatusOK, WebhookResponse{Status: "ok"})
}
