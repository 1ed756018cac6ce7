package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rsvp-realtime/internal/domain"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 10 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var ErrInvalidUserID = errors.New("repository: user id must not be empty")

// collectionAPI is the subset of *mongo.Collection used by MessageStore.
type collectionAPI interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// chatMessageDoc is the persisted shape of a chat message.
type chatMessageDoc struct {
	ID              primitive.ObjectID `bson:"_id,omitempty"`
	SenderUserID    string             `bson:"senderUserId"`
	RecipientUserID string             `bson:"recipientUserId"`
	Message         string             `bson:"message"`
	IsRead          bool               `bson:"isRead"`
	CreatedAt       time.Time          `bson:"createdAt"`
	ReadAt          *time.Time         `bson:"readAt,omitempty"`
}

func (d chatMessageDoc) toDomain() domain.ChatMessage {
	return domain.ChatMessage{
		MessageID:       d.ID.Hex(),
		SenderUserID:    d.SenderUserID,
		RecipientUserID: d.RecipientUserID,
		Message:         d.Message,
		IsRead:          d.IsRead,
		CreatedAt:       d.CreatedAt,
		ReadAt:          d.ReadAt,
	}
}

// MessageStore persists chat messages and answers unread-count queries.
type MessageStore struct {
	coll collectionAPI
	now  func() time.Time
}

// NewMessageStore creates a MessageStore over the given collection.
func NewMessageStore(coll collectionAPI) (*MessageStore, error) {
	if coll == nil {
		return nil, errors.New("repository: collection must not be nil")
	}
	return &MessageStore{coll: coll, now: time.Now}, nil
}

// OpenMongo connects to uri and returns the named database after a ping.
func OpenMongo(ctx context.Context, uri, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("repository: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("repository: mongo ping: %w", err)
	}
	return client.Database(database), nil
}

// Create inserts an unread message. The store assigns id and createdAt.
func (s *MessageStore) Create(ctx context.Context, in domain.NewChatMessage) (domain.ChatMessage, error) {
	if err := validateUserIDs(in.SenderUserID, in.RecipientUserID); err != nil {
		return domain.ChatMessage{}, err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	doc := chatMessageDoc{
		ID:              primitive.NewObjectID(),
		SenderUserID:    in.SenderUserID,
		RecipientUserID: in.RecipientUserID,
		Message:         in.Message,
		IsRead:          false,
		// Mongo stores millisecond precision; truncate so the returned value
		// matches what a later read returns.
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("repository: Create: %w", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = oid
	}
	return doc.toDomain(), nil
}

// CountUnreadForConversation counts unread messages sent to owner by counterpart.
func (s *MessageStore) CountUnreadForConversation(ctx context.Context, ownerUserID, counterpartUserID string) (int, error) {
	if err := validateUserIDs(ownerUserID, counterpartUserID); err != nil {
		return 0, err
	}
	return s.countUnread(ctx, "CountUnreadForConversation", bson.M{
		"recipientUserId": ownerUserID,
		"senderUserId":    counterpartUserID,
		"isRead":          false,
	})
}

// CountUnreadTotal counts every unread message addressed to owner.
func (s *MessageStore) CountUnreadTotal(ctx context.Context, ownerUserID string) (int, error) {
	if err := validateUserIDs(ownerUserID); err != nil {
		return 0, err
	}
	return s.countUnread(ctx, "CountUnreadTotal", bson.M{
		"recipientUserId": ownerUserID,
		"isRead":          false,
	})
}

func (s *MessageStore) countUnread(ctx context.Context, op string, filter bson.M) (int, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	n, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("repository: %s: %w", op, err)
	}
	return int(n), nil
}

// MarkConversationRead flips every unread message from withUserID to
// readerUserID to read and returns how many changed. Zero is a valid result.
func (s *MessageStore) MarkConversationRead(ctx context.Context, readerUserID, withUserID string) (int, error) {
	if err := validateUserIDs(readerUserID, withUserID); err != nil {
		return 0, err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := bson.M{
		"recipientUserId": readerUserID,
		"senderUserId":    withUserID,
		"isRead":          false,
	}
	update := bson.M{"$set": bson.M{
		"isRead": true,
		"readAt": s.now().UTC(),
	}}
	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("repository: MarkConversationRead: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// ReadLatestInConversation returns the newest message exchanged between the
// two users in either direction, or nil when they have none.
func (s *MessageStore) ReadLatestInConversation(ctx context.Context, userA, userB string) (*domain.ChatMessage, error) {
	if err := validateUserIDs(userA, userB); err != nil {
		return nil, err
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	var doc chatMessageDoc
	err := s.coll.FindOne(ctx, conversationFilter(userA, userB), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: ReadLatestInConversation: %w", err)
	}
	msg := doc.toDomain()
	return &msg, nil
}

// ListConversation returns up to limit messages between the two users created
// strictly before `before` (zero means now), in chronological order.
func (s *MessageStore) ListConversation(ctx context.Context, userA, userB string, before time.Time, limit int) ([]domain.ChatMessage, error) {
	if err := validateUserIDs(userA, userB); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := conversationFilter(userA, userB)
	if !before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": before.UTC()}
	}
	// Read newest first so the limit keeps the most recent page.
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversation find: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []chatMessageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("repository: ListConversation decode: %w", err)
	}

	msgs := make([]domain.ChatMessage, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		msgs = append(msgs, docs[i].toDomain())
	}
	return msgs, nil
}

func conversationFilter(userA, userB string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"senderUserId": userA, "recipientUserId": userB},
		bson.M{"senderUserId": userB, "recipientUserId": userA},
	}}
}

func validateUserIDs(ids ...string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return ErrInvalidUserID
		}
	}
	return nil
}

// ensureTimeout applies timeout unless the caller already set a deadline.
func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
