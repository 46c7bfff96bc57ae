package models

import "time"

// MessageStatus is the delivery state of a recipient message
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// RecipientMessage is one outbound item of a campaign
type RecipientMessage struct {
	ID          string        `json:"id"`
	CampaignID  string        `json:"campaign_id"`
	ContactID   string        `json:"contact_id,omitempty"`
	Seq         int           `json:"seq"`
	Recipient   string        `json:"recipient"`
	Content     string        `json:"content"`
	Attachment  *Attachment   `json:"attachment,omitempty"`
	Status      MessageStatus `json:"status"`
	ExternalID  string        `json:"external_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// MessageFilter for paging through a campaign's messages
type MessageFilter struct {
	CampaignID string
	Status     MessageStatus
	Limit      int
	Offset     int
}
