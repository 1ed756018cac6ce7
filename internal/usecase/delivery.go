package usecase

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"rsvp-realtime/internal/domain"
)

// ownedConnections is one user's connection list as read from the directory.
type ownedConnections struct {
	userID string
	conns  []domain.Connection
}

// dedupeConnections merges connection lists into one target set keyed by
// connection id, stamping each record with the user it was looked up for.
// A user may hold several connections and the same id can appear in more
// than one list; the last occurrence wins.
func dedupeConnections(groups ...ownedConnections) map[string]domain.Connection {
	targets := make(map[string]domain.Connection)
	for _, g := range groups {
		for _, conn := range g.conns {
			conn.UserID = g.userID
			targets[conn.ConnectionID] = conn
		}
	}
	return targets
}

// deliveryPlan is what one connection should receive: the shared content
// event followed by its own conversation summary. A nil summary sends the
// content alone.
type deliveryPlan struct {
	content     domain.Event
	summary     domain.Event
	counterpart string
}

// connectionResult records how far delivery got on one connection.
type connectionResult struct {
	conn             domain.Connection
	contentDelivered bool
	summaryDelivered bool
	failed           bool
	stale            bool
}

// fanOut delivers to every target concurrently and waits for all of them. A
// slow connection holds up only its own pair of posts. Results are written to
// distinct slots so no locking is needed.
func (s *ChatService) fanOut(ctx context.Context, targets map[string]domain.Connection, plan func(domain.Connection) deliveryPlan) []connectionResult {
	results := make([]connectionResult, 0, len(targets))
	for _, conn := range targets {
		results = append(results, connectionResult{conn: conn})
	}

	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			conn := results[i].conn
			results[i] = s.deliverPair(ctx, conn, plan(conn))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// deliverPair posts content then summary to one connection. The first failed
// post ends delivery to that connection.
func (s *ChatService) deliverPair(ctx context.Context, conn domain.Connection, p deliveryPlan) connectionResult {
	res := connectionResult{conn: conn}
	for i, event := range []domain.Event{p.content, p.summary} {
		if event == nil {
			continue
		}
		err := s.transport.Post(ctx, conn, event)
		if err == nil {
			if i == 0 {
				res.contentDelivered = true
			} else {
				res.summaryDelivered = true
			}
			continue
		}

		if s.transport.IsGone(err) {
			res.stale = true
			if cerr := s.cleanupStaleConnection(ctx, conn.ConnectionID, conn.UserID, p.counterpart); cerr != nil {
				s.log.WarnContext(ctx, "chat.connection.cleanup_failed",
					"connection_id", conn.ConnectionID,
					"user_id", conn.UserID,
					"counterpart_user_id", p.counterpart,
					"err", cerr,
				)
			}
			return res
		}

		res.failed = true
		s.log.WarnContext(ctx, "chat.delivery.failed",
			"connection_id", conn.ConnectionID,
			"user_id", conn.UserID,
			"counterpart_user_id", p.counterpart,
			"event_type", string(event.EventType()),
			"err", err,
		)
		return res
	}
	return res
}

// cleanupStaleConnection drops a connection the transport reported as gone.
// Removal is idempotent, so two deliveries racing on the same dead
// connection both succeed.
func (s *ChatService) cleanupStaleConnection(ctx context.Context, connectionID, primaryUserID, secondaryUserID string) error {
	if err := s.connections.RemoveConnection(ctx, connectionID); err != nil {
		return fmt.Errorf("usecase: remove stale connection %s: %w", connectionID, err)
	}
	s.log.InfoContext(ctx, "chat.connection.stale",
		"connection_id", connectionID,
		"user_id", primaryUserID,
		"counterpart_user_id", secondaryUserID,
	)
	return nil
}

// tally folds per-connection results into stats. Content deliveries count as
// read events when readerUserID is set, otherwise as message events.
func tally(results []connectionResult, readerUserID string) DeliveryStats {
	var stats DeliveryStats
	for _, r := range results {
		if r.contentDelivered {
			if readerUserID == "" {
				stats.MessageDeliveredCount++
			} else {
				stats.ReadDeliveredCount++
				if r.conn.UserID == readerUserID {
					stats.ReaderDeliveredCount++
				} else {
					stats.CounterpartDeliveredCount++
				}
			}
		}
		if r.summaryDelivered {
			stats.ConversationDeliveredCount++
		}
		if r.failed {
			stats.FailedCount++
		}
		if r.stale {
			stats.StaleCount++
		}
	}
	return stats
}
