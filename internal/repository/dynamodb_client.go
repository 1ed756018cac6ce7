package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"rsvp-realtime/internal/domain"
)

const (
	pkPrefixConn     = "CONN#"
	gsiPrefixUser    = "USER#"
	skMeta           = "META#"
	defaultUserIndex = "GSI1"
	defaultConnTTL   = 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by ConnectionDirectory.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ConnectionDirectory stores live WebSocket connections in a DynamoDB table.
// Each connection is one item keyed by connection id, indexed by user on a GSI.
type ConnectionDirectory struct {
	api       dynamodbAPI
	tableName string
	userIndex string
	ttl       time.Duration
	now       func() time.Time
}

// DirectoryOption customizes a ConnectionDirectory.
type DirectoryOption func(*ConnectionDirectory)

// WithUserIndex overrides the GSI name used for per-user lookups.
func WithUserIndex(name string) DirectoryOption {
	return func(d *ConnectionDirectory) {
		if strings.TrimSpace(name) != "" {
			d.userIndex = name
		}
	}
}

// WithConnectionTTL sets how long an item survives without a $disconnect.
func WithConnectionTTL(ttl time.Duration) DirectoryOption {
	return func(d *ConnectionDirectory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// NewConnectionDirectory creates a ConnectionDirectory for tableName.
func NewConnectionDirectory(api dynamodbAPI, tableName string, opts ...DirectoryOption) (*ConnectionDirectory, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	d := &ConnectionDirectory{
		api:       api,
		tableName: tableName,
		userIndex: defaultUserIndex,
		ttl:       defaultConnTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// connPK returns the partition key for a connection item.
func connPK(connectionID string) string {
	return pkPrefixConn + connectionID
}

// userGSIPK returns the GSI partition key grouping a user's connections.
func userGSIPK(userID string) string {
	return gsiPrefixUser + userID
}

// ReadConnectionsByUserID returns every live connection registered for userID.
// A user with no connections yields an empty slice.
func (d *ConnectionDirectory) ReadConnectionsByUserID(ctx context.Context, userID string) ([]domain.Connection, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: ReadConnectionsByUserID: user id is required")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String(d.userIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: userGSIPK(userID)},
		},
	}

	conns := make([]domain.Connection, 0)
	for {
		out, err := d.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ReadConnectionsByUserID query: %w", err)
		}
		for _, item := range out.Items {
			conn, err := itemToConnection(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ReadConnectionsByUserID unmarshal: %w", err)
			}
			conns = append(conns, conn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return conns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// PutConnection registers a connection, replacing any previous item with the
// same connection id.
func (d *ConnectionDirectory) PutConnection(ctx context.Context, conn domain.Connection) error {
	if conn.ConnectionID == "" || conn.UserID == "" {
		return errors.New("repository: PutConnection: connection id and user id are required")
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = d.now().UTC()
	}

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      connectionItem(conn, d.now().Add(d.ttl).Unix()),
	})
	if err != nil {
		return fmt.Errorf("repository: PutConnection: %w", err)
	}
	return nil
}

// RemoveConnection deletes a connection item. Deleting an item that no longer
// exists succeeds, so concurrent removals of the same connection are safe.
func (d *ConnectionDirectory) RemoveConnection(ctx context.Context, connectionID string) error {
	if strings.TrimSpace(connectionID) == "" {
		return errors.New("repository: RemoveConnection: connection id is required")
	}

	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: connPK(connectionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RemoveConnection: %w", err)
	}
	return nil
}

func connectionItem(conn domain.Connection, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: connPK(conn.ConnectionID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"GSI1PK":       &types.AttributeValueMemberS{Value: userGSIPK(conn.UserID)},
		"connectionId": &types.AttributeValueMemberS{Value: conn.ConnectionID},
		"userId":       &types.AttributeValueMemberS{Value: conn.UserID},
		"connectedAt":  &types.AttributeValueMemberS{Value: conn.ConnectedAt.UTC().Format(time.RFC3339Nano)},
		"domain":       &types.AttributeValueMemberS{Value: conn.Domain},
		"stage":        &types.AttributeValueMemberS{Value: conn.Stage},
		"ttl":          &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}
}

// itemToConnection converts a DynamoDB attribute map to a Connection.
func itemToConnection(item map[string]types.AttributeValue) (domain.Connection, error) {
	id, err := strAttr(item, "connectionId")
	if err != nil {
		return domain.Connection{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Connection{}, err
	}
	conn := domain.Connection{ConnectionID: id, UserID: userID}

	if raw, err := strAttr(item, "connectedAt"); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			conn.ConnectedAt = ts
		}
	}
	conn.Domain, _ = strAttr(item, "domain") // allow empty
	conn.Stage, _ = strAttr(item, "stage")   // allow empty
	return conn, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
