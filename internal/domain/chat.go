package domain

import "time"

// ChatMessage is a persisted direct message between two users.
// Only IsRead (and ReadAt) change after creation, and only from false to true.
type ChatMessage struct {
	MessageID       string     `json:"messageId"`
	SenderUserID    string     `json:"senderUserId"`
	RecipientUserID string     `json:"recipientUserId"`
	Message         string     `json:"message"`
	IsRead          bool       `json:"isRead"`
	CreatedAt       time.Time  `json:"createdAt"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
}

// NewChatMessage is the input for creating a ChatMessage. The store assigns
// the id and creation time.
type NewChatMessage struct {
	SenderUserID    string
	RecipientUserID string
	Message         string
}
