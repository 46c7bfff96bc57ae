package models

import "time"

// SessionStatus is the connection state of a session
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionConnecting   SessionStatus = "connecting"
	SessionAwaitingScan SessionStatus = "awaiting_scan"
	SessionConnected    SessionStatus = "connected"
	SessionError        SessionStatus = "error"
)

// Session is the persisted record of one account connection
type Session struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          SessionStatus `json:"status"`
	AutoReconnect   bool          `json:"auto_reconnect"`
	RestartCount    int           `json:"restart_count"`
	AccountID       string        `json:"account_id,omitempty"`
	AccountName     string        `json:"account_name,omitempty"`
	Platform        string        `json:"platform,omitempty"`
	LastConnectedAt *time.Time    `json:"last_connected_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	ScanPayload     string        `json:"-"`
	ScanImage       string        `json:"scan_image,omitempty"` // data:image/png;base64,...
	ScanIssuedAt    *time.Time    `json:"scan_issued_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SessionUpdate carries the fields a lifecycle event changes.
// Nil pointers leave the column untouched.
type SessionUpdate struct {
	Status          *SessionStatus
	LastError       *string
	AccountID       *string
	AccountName     *string
	Platform        *string
	LastConnectedAt *time.Time
	ScanPayload     *string
	ScanImage       *string
	ScanIssuedAt    *time.Time
	ClearScan       bool
	RestartCount    *int
}
