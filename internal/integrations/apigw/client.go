package apigw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/smithy-go"

	"rsvp-realtime/internal/domain"
)

const defaultPostTimeout = 3 * time.Second

// managementAPI is the minimal API Gateway Management API interface required by Client.
// *apigatewaymanagementapi.Client satisfies this interface.
type managementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Client pushes envelopes to API Gateway WebSocket connections.
type Client struct {
	api     managementAPI
	timeout time.Duration
}

// New creates a Client. A non-positive timeout uses the default.
func New(api managementAPI, timeout time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("apigw: api must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}
	return &Client{api: api, timeout: timeout}, nil
}

// NewManagementClient builds an SDK client bound to the WebSocket API's
// management endpoint (https://{api-id}.execute-api.{region}.amazonaws.com/{stage}).
func NewManagementClient(cfg aws.Config, endpoint string) (*apigatewaymanagementapi.Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("apigw: endpoint must not be empty")
	}
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// Post sends one envelope to one connection. It does not retry.
func (c *Client) Post(ctx context.Context, conn domain.Connection, event domain.Event) error {
	if conn.ConnectionID == "" {
		return errors.New("apigw: connection id is required")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("apigw: encode %s: %w", event.EventType(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err = c.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(conn.ConnectionID),
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("apigw: post %s to %s: %w", event.EventType(), conn.ConnectionID, err)
	}
	return nil
}

// IsGone reports whether err means the connection no longer exists.
func (c *Client) IsGone(err error) bool {
	return IsGoneConnectionError(err)
}

// IsGoneConnectionError reports whether err is API Gateway's 410 for a
// connection that has gone away. Timeouts and every other failure are not.
func IsGoneConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "GoneException" {
		return true
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusGone {
		return true
	}
	return false
}
