package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the payload carried by an Envelope.
type EventType string

const (
	EventChatMessage             EventType = "chat.message"
	EventChatRead                EventType = "chat.read"
	EventChatConversationUpdated EventType = "chat.conversationUpdated"
)

// Reasons attached to conversation-updated events.
const (
	ReasonChatSend = "chat.send"
	ReasonChatRead = "chat.read"
)

// Event is implemented by every Envelope so a transport can post any of them.
type Event interface {
	EventType() EventType
}

// Envelope is the unit pushed down a connection. Consumers must switch on
// Type before decoding Payload.
type Envelope[T any] struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id"`
	SentAt  time.Time `json:"sentAt"`
	Payload T         `json:"payload"`
}

func (e Envelope[T]) EventType() EventType {
	return e.Type
}

// ChatMessagePayload is carried by chat.message events.
type ChatMessagePayload struct {
	MessageID       string    `json:"messageId"`
	SenderUserID    string    `json:"senderUserId"`
	RecipientUserID string    `json:"recipientUserId"`
	Message         string    `json:"message"`
	IsRead          bool      `json:"isRead"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ChatReadPayload is carried by chat.read events.
type ChatReadPayload struct {
	ReaderUserID string    `json:"readerUserId"`
	WithUserID   string    `json:"withUserId"`
	MarkedCount  int       `json:"markedCount"`
	ReadAt       time.Time `json:"readAt"`
}

// ConversationUpdatedPayload is the per-viewer conversation summary. Counts
// are always those of the user owning the receiving connection.
type ConversationUpdatedPayload struct {
	ConversationWithUserID  string    `json:"conversationWithUserId"`
	UnreadCount             int       `json:"unreadCount"`
	UnreadTotal             int       `json:"unreadTotal"`
	Reason                  string    `json:"reason"`
	LastMessage             string    `json:"lastMessage,omitempty"`
	LastMessageSenderUserID string    `json:"lastMessageSenderUserId,omitempty"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// NewEnvelope wraps payload with its event type and transport framing.
func NewEnvelope[T any](eventType EventType, payload T) Envelope[T] {
	return Envelope[T]{
		Type:    eventType,
		ID:      newEnvelopeID(),
		SentAt:  time.Now().UTC(),
		Payload: payload,
	}
}

var newEnvelopeID = func() string {
	return uuid.NewString()
}
