// Package sandbox is an in-process transport that captures outgoing messages instead of sending them.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/transport"
)

// ErrClosed is returned by a client after Destroy
var ErrClosed = errors.New("sandbox client destroyed")

// Options control simulated behaviour
type Options struct {
	RequireScan      bool          // emit a scan event before ready
	ReadyDelay       time.Duration // wait between scan and ready
	ReceiptDelay     time.Duration // delay of simulated receipts; zero disables them
	ErrorProbability float64       // 0.0 to 1.0
}

// Captured is a message the sandbox accepted
type Captured struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	Recipient  string             `json:"recipient"`
	Content    string             `json:"content"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
	CapturedAt time.Time          `json:"captured_at"`
}

var simulatedErrors = []string{
	"recipient not on network",
	"recipient blocked sender",
	"media download failed",
}

// Hub owns every sandbox client of the process and the captured messages
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[string]*Client
	captured []Captured
}

// NewHub creates a sandbox hub
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		opts:    opts,
		logger:  logger.With("component", "sandbox"),
		clients: make(map[string]*Client),
	}
}

// Factory returns a transport factory creating sandbox clients
func (h *Hub) Factory() transport.Factory {
	return func(sessionID string, emit transport.Emitter) (transport.Client, error) {
		c := &Client{hub: h, sessionID: sessionID, emit: emit}
		h.mu.Lock()
		h.clients[sessionID] = c
		h.mu.Unlock()
		return c, nil
	}
}

// Client returns the most recent client created for a session
func (h *Hub) Client(sessionID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[sessionID]
}

// Messages returns captured messages of a session, or all when sessionID is empty
func (h *Hub) Messages(sessionID string) []Captured {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := []Captured{}
	for _, m := range h.captured {
		if sessionID == "" || m.SessionID == sessionID {
			result = append(result, m)
		}
	}
	return result
}

// Clear drops all captured messages
func (h *Hub) Clear() {
	h.mu.Lock()
	h.captured = nil
	h.mu.Unlock()
}

func (h *Hub) capture(m Captured) {
	h.mu.Lock()
	h.captured = append(h.captured, m)
	h.mu.Unlock()
}

// Client is one simulated session
type Client struct {
	hub       *Hub
	sessionID string
	emit      transport.Emitter

	mu     sync.Mutex
	closed bool
}

// Initialize simulates the login handshake
func (c *Client) Initialize(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}

	if c.hub.opts.RequireScan {
		c.Emit(transport.Event{Kind: transport.EventScan, ScanPayload: "sandbox:" + c.sessionID + ":" + uuid.New().String()})
		if c.hub.opts.ReadyDelay > 0 {
			timer := time.NewTimer(c.hub.opts.ReadyDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	if c.isClosed() {
		return ErrClosed
	}
	c.Emit(transport.Event{Kind: transport.EventAuthenticated})
	c.Emit(transport.Event{Kind: transport.EventReady, Account: &transport.Account{
		ID:       c.sessionID + "@sandbox",
		Name:     "Sandbox " + c.sessionID,
		Platform: "sandbox",
	}})
	c.hub.logger.Info("sandbox session ready", "session_id", c.sessionID)
	return nil
}

// Send captures the message and optionally schedules simulated receipts
func (c *Client) Send(ctx context.Context, recipient, content string, att *models.Attachment) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if p := c.hub.opts.ErrorProbability; p > 0 && rand.Float64() < p {
		errMsg := simulatedErrors[rand.Intn(len(simulatedErrors))]
		c.hub.logger.Info("sandbox: simulated send error", "session_id", c.sessionID, "recipient", recipient, "error", errMsg)
		return "", fmt.Errorf("%w: %s", transport.ErrSendFailed, errMsg)
	}

	id := uuid.New().String()
	c.hub.capture(Captured{
		ID:         id,
		SessionID:  c.sessionID,
		Recipient:  recipient,
		Content:    content,
		Attachment: att,
		CapturedAt: time.Now(),
	})
	c.hub.logger.Debug("sandbox: message captured", "session_id", c.sessionID, "id", id, "recipient", recipient)

	if d := c.hub.opts.ReceiptDelay; d > 0 {
		time.AfterFunc(d, func() {
			c.Emit(transport.Event{Kind: transport.EventReceipt, MessageID: id, Level: transport.ReceiptDelivered})
		})
		time.AfterFunc(2*d, func() {
			c.Emit(transport.Event{Kind: transport.EventReceipt, MessageID: id, Level: transport.ReceiptRead})
		})
	}
	return id, nil
}

// Destroy closes the client; later events are dropped
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Disconnect simulates a dropped connection
func (c *Client) Disconnect(reason string) {
	c.Emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason})
}

// Receive simulates an inbound message
func (c *Client) Receive(from, body string) {
	c.Emit(transport.Event{Kind: transport.EventMessageReceived, Message: &transport.Incoming{
		ExternalID: uuid.New().String(),
		From:       from,
		Body:       body,
		Timestamp:  time.Now(),
	}})
}

// Emit forwards an event unless the client was destroyed
func (c *Client) Emit(e transport.Event) {
	if c.isClosed() || c.emit == nil {
		return
	}
	c.emit(e)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
