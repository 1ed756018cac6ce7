package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"rsvp-realtime/internal/domain"
)

const (
	defaultMaxMessageLen = 2000
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
)

// ConnectionDirectory maps users to their live connections.
type ConnectionDirectory interface {
	ReadConnectionsByUserID(ctx context.Context, userID string) ([]domain.Connection, error)
	RemoveConnection(ctx context.Context, connectionID string) error
}

// MessageStore persists chat messages and read state. Unread counts must be
// read-after-write consistent with Create and MarkConversationRead.
type MessageStore interface {
	Create(ctx context.Context, in domain.NewChatMessage) (domain.ChatMessage, error)
	CountUnreadForConversation(ctx context.Context, ownerUserID, counterpartUserID string) (int, error)
	CountUnreadTotal(ctx context.Context, ownerUserID string) (int, error)
	MarkConversationRead(ctx context.Context, readerUserID, withUserID string) (int, error)
	ReadLatestInConversation(ctx context.Context, userA, userB string) (*domain.ChatMessage, error)
	ListConversation(ctx context.Context, userA, userB string, before time.Time, limit int) ([]domain.ChatMessage, error)
}

// Transport pushes one event to one connection. IsGone reports whether a Post
// error means the connection no longer exists.
type Transport interface {
	Post(ctx context.Context, conn domain.Connection, event domain.Event) error
	IsGone(err error) bool
}

// ChatService sends direct messages and read receipts, persisting them first
// and then fanning realtime events out to every live connection of both users.
type ChatService struct {
	connections ConnectionDirectory
	messages    MessageStore
	transport   Transport
	log         *slog.Logger

	maxMessageLen int
	now           func() time.Time
}

type SendMessageInput struct {
	SenderUserID    string
	RecipientUserID string
	Message         string
}

type SendMessageResult struct {
	MessageID         string        `json:"messageId"`
	CreatedAt         time.Time     `json:"createdAt"`
	IsRead            bool          `json:"isRead"`
	RecipientOnline   bool          `json:"recipientOnline"`
	SenderUnreadTotal int           `json:"senderUnreadTotal"`
	Stats             DeliveryStats `json:"stats"`
}

type MarkReadInput struct {
	ReaderUserID string
	WithUserID   string
}

type MarkConversationReadResult struct {
	MarkedCount       int           `json:"markedCount"`
	ReaderUnreadTotal int           `json:"readerUnreadTotal"`
	Stats             DeliveryStats `json:"stats"`
}

type ListMessagesInput struct {
	UserID     string
	WithUserID string
	Before     time.Time
	Limit      int
}

// DeliveryStats summarizes one fan-out pass. Counts are per envelope
// delivered, so a connection that received its content envelope but not its
// summary shows up as MessageDeliveredCount > ConversationDeliveredCount.
type DeliveryStats struct {
	MessageDeliveredCount      int `json:"messageDeliveredCount"`
	ConversationDeliveredCount int `json:"conversationDeliveredCount"`
	ReadDeliveredCount         int `json:"readDeliveredCount"`
	FailedCount                int `json:"failedCount"`
	StaleCount                 int `json:"staleCount"`
	ReaderDeliveredCount       int `json:"readerDeliveredCount"`
	CounterpartDeliveredCount  int `json:"counterpartDeliveredCount"`
}

// LogValue implements slog.LogValuer.
func (s DeliveryStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("message_delivered", s.MessageDeliveredCount),
		slog.Int("conversation_delivered", s.ConversationDeliveredCount),
		slog.Int("read_delivered", s.ReadDeliveredCount),
		slog.Int("failed", s.FailedCount),
		slog.Int("stale", s.StaleCount),
		slog.Int("reader_delivered", s.ReaderDeliveredCount),
		slog.Int("counterpart_delivered", s.CounterpartDeliveredCount),
	)
}

func NewChatService(c ConnectionDirectory, m MessageStore, t Transport, log *slog.Logger, maxMessageLen int) (*ChatService, error) {
	if c == nil {
		return nil, errors.New("usecase: connection directory must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if t == nil {
		return nil, errors.New("usecase: transport must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &ChatService{
		connections:   c,
		messages:      m,
		transport:     t,
		log:           log,
		maxMessageLen: maxMessageLen,
		now:           time.Now,
	}, nil
}

// ListMessages returns a page of the conversation between two users, oldest
// first. Clients use it to catch up on messages whose push they missed.
func (s *ChatService) ListMessages(ctx context.Context, in ListMessagesInput) ([]domain.ChatMessage, error) {
	userID, withUserID, err := requireUserPair(in.UserID, in.WithUserID)
	if err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := s.messages.ListConversation(ctx, userID, withUserID, in.Before, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	return msgs, nil
}

// unreadCounts holds the four counters for a conversation between a and b.
type unreadCounts struct {
	aConversation int
	bConversation int
	aTotal        int
	bTotal        int
}

// goUnreadCounts schedules the four unread-count reads on g.
func (s *ChatService) goUnreadCounts(ctx context.Context, g *errgroup.Group, a, b string, out *unreadCounts) {
	g.Go(func() error {
		n, err := s.messages.CountUnreadForConversation(ctx, a, b)
		out.aConversation = n
		return err
	})
	g.Go(func() error {
		n, err := s.messages.CountUnreadForConversation(ctx, b, a)
		out.bConversation = n
		return err
	})
	g.Go(func() error {
		n, err := s.messages.CountUnreadTotal(ctx, a)
		out.aTotal = n
		return err
	})
	g.Go(func() error {
		n, err := s.messages.CountUnreadTotal(ctx, b)
		out.bTotal = n
		return err
	})
}

// goConnections schedules a directory read for userID on g.
func (s *ChatService) goConnections(ctx context.Context, g *errgroup.Group, userID string, out *[]domain.Connection) {
	g.Go(func() error {
		conns, err := s.connections.ReadConnectionsByUserID(ctx, userID)
		*out = conns
		return err
	})
}

func requireUserPair(a, b string) (string, string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", "", newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	return a, b, nil
}
