package models

import "time"

// Conversation groups chat history with one remote address
type Conversation struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	RemoteAddress string    `json:"remote_address"`
	RemoteName    string    `json:"remote_name,omitempty"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChatMessage is one entry of conversation history
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ExternalID     string    `json:"external_id,omitempty"`
	Direction      string    `json:"direction"` // inbound, outbound
	Body           string    `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
}
