package usecase

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"rsvp-realtime/internal/domain"
)

// SendMessage stores a message from sender to recipient, then pushes it and a
// per-viewer conversation summary to every live connection of both users.
//
// Directory failures and a failed write abort the call. Once the message is
// stored the call succeeds: an unread-count failure drops the summaries and
// delivery failures are reported through Stats.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageResult, error) {
	senderID, recipientID, err := requireUserPair(in.SenderUserID, in.RecipientUserID)
	if err != nil {
		return SendMessageResult{}, err
	}
	if strings.TrimSpace(in.Message) == "" {
		return SendMessageResult{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(in.Message) > s.maxMessageLen {
		return SendMessageResult{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	var recipientConns, senderConns []domain.Connection
	g, gctx := errgroup.WithContext(ctx)
	s.goConnections(gctx, g, recipientID, &recipientConns)
	s.goConnections(gctx, g, senderID, &senderConns)
	if err := g.Wait(); err != nil {
		return SendMessageResult{}, newError(ErrorInternal, "connection_lookup_error", err)
	}

	// Persist before any push: every delivered event must describe a stored message.
	msg, err := s.messages.Create(ctx, domain.NewChatMessage{
		SenderUserID:    senderID,
		RecipientUserID: recipientID,
		Message:         in.Message,
	})
	if err != nil {
		return SendMessageResult{}, newError(ErrorInternal, "message_write_error", err)
	}

	content := domain.NewEnvelope(domain.EventChatMessage, domain.ChatMessagePayload{
		MessageID:       msg.MessageID,
		SenderUserID:    msg.SenderUserID,
		RecipientUserID: msg.RecipientUserID,
		Message:         msg.Message,
		IsRead:          false,
		CreatedAt:       msg.CreatedAt,
	})

	// The message is stored; a count failure only drops the summaries.
	var counts unreadCounts
	g, gctx = errgroup.WithContext(ctx)
	s.goUnreadCounts(gctx, g, senderID, recipientID, &counts)
	countsErr := g.Wait()
	if countsErr != nil {
		counts = unreadCounts{}
		s.log.WarnContext(ctx, "chat.send.unread_count_failed",
			"message_id", msg.MessageID,
			"sender_user_id", senderID,
			"recipient_user_id", recipientID,
			"err", countsErr,
		)
	}

	targets := dedupeConnections(
		ownedConnections{userID: recipientID, conns: recipientConns},
		ownedConnections{userID: senderID, conns: senderConns},
	)
	results := s.fanOut(ctx, targets, func(conn domain.Connection) deliveryPlan {
		summary := domain.ConversationUpdatedPayload{
			Reason:                  domain.ReasonChatSend,
			LastMessage:             msg.Message,
			LastMessageSenderUserID: senderID,
			UpdatedAt:               msg.CreatedAt,
		}
		counterpart := senderID
		if conn.UserID == senderID {
			counterpart = recipientID
			summary.UnreadCount = counts.aConversation
			summary.UnreadTotal = counts.aTotal
		} else {
			summary.UnreadCount = counts.bConversation
			summary.UnreadTotal = counts.bTotal
		}
		summary.ConversationWithUserID = counterpart
		p := deliveryPlan{content: content, counterpart: counterpart}
		if countsErr == nil {
			p.summary = domain.NewEnvelope(domain.EventChatConversationUpdated, summary)
		}
		return p
	})
	stats := tally(results, "")

	s.log.InfoContext(ctx, "chat.send.summary",
		"message_id", msg.MessageID,
		"sender_user_id", senderID,
		"recipient_user_id", recipientID,
		"recipient_online", len(recipientConns) > 0,
		"connection_count", len(targets),
		"stats", stats,
		"sender_unread_conversation", counts.aConversation,
		"recipient_unread_conversation", counts.bConversation,
		"sender_unread_total", counts.aTotal,
		"recipient_unread_total", counts.bTotal,
		"counts_available", countsErr == nil,
	)

	return SendMessageResult{
		MessageID:         msg.MessageID,
		CreatedAt:         msg.CreatedAt,
		IsRead:            false,
		RecipientOnline:   len(recipientConns) > 0,
		SenderUnreadTotal: counts.aTotal,
		Stats:             stats,
	}, nil
}
