package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Speed tiers select the pacing interval between two sends
const (
	SpeedSlow   = "slow"
	SpeedMedium = "medium"
	SpeedFast   = "fast"
)

// Attachment references media hosted elsewhere
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Campaign represents a bulk-send job through one session
type Campaign struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	SessionID       string         `json:"session_id"`
	RecipientTag    string         `json:"recipient_tag"` // empty means all contacts
	Template        string         `json:"template"`
	Attachment      *Attachment    `json:"attachment,omitempty"`
	Status          CampaignStatus `json:"status"`
	Speed           string         `json:"speed"`
	TotalRecipients int            `json:"total_recipients"`
	Sent            int            `json:"sent"`
	Delivered       int            `json:"delivered"`
	Read            int            `json:"read"`
	Failed          int            `json:"failed"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CampaignStats holds counters recomputed from message rows
type CampaignStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Status CampaignStatus
	Limit  int
	Offset int
}
