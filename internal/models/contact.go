package models

import "time"

// Contact represents a single campaign recipient
type Contact struct {
	ID        string            `json:"id"`
	Phone     string            `json:"phone"`
	Name      string            `json:"name"`
	Fields    map[string]string `json:"fields,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	OptedOut  bool              `json:"opted_out"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ContactFilter for filtering contacts
type ContactFilter struct {
	Tag    string
	Search string
	Limit  int
	Offset int
}
