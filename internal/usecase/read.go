package usecase

import (
	"context"

	"golang.org/x/sync/errgroup"

	"rsvp-realtime/internal/domain"
)

// MarkConversationAsRead marks every unread message from WithUserID to
// ReaderUserID as read and notifies both users' connections. It is
// idempotent: a repeat call marks nothing but still delivers a chat.read
// confirmation.
func (s *ChatService) MarkConversationAsRead(ctx context.Context, in MarkReadInput) (MarkConversationReadResult, error) {
	readerID, withID, err := requireUserPair(in.ReaderUserID, in.WithUserID)
	if err != nil {
		return MarkConversationReadResult{}, err
	}

	marked, err := s.messages.MarkConversationRead(ctx, readerID, withID)
	if err != nil {
		return MarkConversationReadResult{}, newError(ErrorInternal, "mark_read_error", err)
	}

	var (
		readerConns, withConns []domain.Connection
		counts                 unreadCounts
		latest                 *domain.ChatMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	s.goConnections(gctx, g, readerID, &readerConns)
	s.goConnections(gctx, g, withID, &withConns)
	s.goUnreadCounts(gctx, g, readerID, withID, &counts)
	g.Go(func() error {
		var err error
		latest, err = s.messages.ReadLatestInConversation(gctx, readerID, withID)
		return err
	})
	if err := g.Wait(); err != nil {
		return MarkConversationReadResult{}, newError(ErrorInternal, "conversation_state_error", err)
	}

	readAt := s.now().UTC()
	updatedAt := readAt
	var lastMessage, lastSender string
	if latest != nil {
		updatedAt = latest.CreatedAt
		lastMessage = latest.Message
		lastSender = latest.SenderUserID
	}

	content := domain.NewEnvelope(domain.EventChatRead, domain.ChatReadPayload{
		ReaderUserID: readerID,
		WithUserID:   withID,
		MarkedCount:  marked,
		ReadAt:       readAt,
	})

	targets := dedupeConnections(
		ownedConnections{userID: readerID, conns: readerConns},
		ownedConnections{userID: withID, conns: withConns},
	)
	results := s.fanOut(ctx, targets, func(conn domain.Connection) deliveryPlan {
		summary := domain.ConversationUpdatedPayload{
			Reason:                  domain.ReasonChatRead,
			LastMessage:             lastMessage,
			LastMessageSenderUserID: lastSender,
			UpdatedAt:               updatedAt,
		}
		counterpart := readerID
		if conn.UserID == readerID {
			counterpart = withID
			summary.UnreadCount = counts.aConversation
			summary.UnreadTotal = counts.aTotal
		} else {
			summary.UnreadCount = counts.bConversation
			summary.UnreadTotal = counts.bTotal
		}
		summary.ConversationWithUserID = counterpart
		return deliveryPlan{
			content:     content,
			summary:     domain.NewEnvelope(domain.EventChatConversationUpdated, summary),
			counterpart: counterpart,
		}
	})
	stats := tally(results, readerID)

	s.log.InfoContext(ctx, "chat.read.summary",
		"reader_user_id", readerID,
		"with_user_id", withID,
		"marked_count", marked,
		"connection_count", len(targets),
		"stats", stats,
		"reader_unread_conversation", counts.aConversation,
		"with_unread_conversation", counts.bConversation,
		"reader_unread_total", counts.aTotal,
		"with_unread_total", counts.bTotal,
	)

	return MarkConversationReadResult{
		MarkedCount:       marked,
		ReaderUnreadTotal: counts.aTotal,
		Stats:             stats,
	}, nil
}
