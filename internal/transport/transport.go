// Package transport defines the client a session uses to talk to the chat network.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/courier/internal/models"
)

// ErrSendFailed is returned when the network rejected a single message
var ErrSendFailed = errors.New("send failed")

// EventKind names a transport event
type EventKind string

const (
	EventScan            EventKind = "scan"
	EventAuthenticated   EventKind = "authenticated"
	EventAuthFailure     EventKind = "auth_failure"
	EventReady           EventKind = "ready"
	EventDisconnected    EventKind = "disconnected"
	EventMessageReceived EventKind = "message_received"
	EventReceipt         EventKind = "receipt"
)

// Receipt levels reported by the network
const (
	ReceiptSent      = "sent"
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// Account identifies the logged-in account once a session is ready
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// Incoming is a message received from a remote address
type Incoming struct {
	ExternalID string    `json:"external_id"`
	From       string    `json:"from"`
	FromName   string    `json:"from_name,omitempty"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is emitted by a client whenever its connection or a message changes
type Event struct {
	Kind        EventKind
	ScanPayload string
	Reason      string
	Account     *Account
	MessageID   string
	Level       string
	Message     *Incoming
}

// Emitter receives events from a client
type Emitter func(Event)

// Client is one connection to the chat network for one account
type Client interface {
	// Initialize connects and authenticates. Progress is reported through the emitter.
	Initialize(ctx context.Context) error
	// Send delivers one message and returns the network-assigned message ID
	Send(ctx context.Context, recipient, content string, att *models.Attachment) (string, error)
	// Destroy closes the connection and releases resources
	Destroy(ctx context.Context) error
}

// Factory creates a client for a session, bound to an emitter
type Factory func(sessionID string, emit Emitter) (Client, error)
