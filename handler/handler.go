package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"rsvp-realtime/internal/domain"
	"rsvp-realtime/internal/usecase"
)

const (
	routeConnect     = "$connect"
	routeDisconnect  = "$disconnect"
	routeSendMessage = "sendMessage"
	routeMarkRead    = "markRead"
	routeHistory     = "history"

	correlationHeader = "X-Correlation-Id"
)

// ChatService is the subset of usecase.ChatService the routes call.
type ChatService interface {
	SendMessage(ctx context.Context, in usecase.SendMessageInput) (usecase.SendMessageResult, error)
	MarkConversationAsRead(ctx context.Context, in usecase.MarkReadInput) (usecase.MarkConversationReadResult, error)
	ListMessages(ctx context.Context, in usecase.ListMessagesInput) ([]domain.ChatMessage, error)
}

// ConnectionRegistrar records socket lifecycle events in the connection directory.
type ConnectionRegistrar interface {
	PutConnection(ctx context.Context, conn domain.Connection) error
	RemoveConnection(ctx context.Context, connectionID string) error
}

type Handler struct {
	chat  ChatService
	conns ConnectionRegistrar
	log   *slog.Logger
	now   func() time.Time
}

type sendMessageRequest struct {
	RecipientUserID string `json:"recipientUserId"`
	Message         string `json:"message"`
}

type markReadRequest struct {
	WithUserID string `json:"withUserId"`
}

// historyRequest.Before is an RFC 3339 cursor; empty means newest page.
type historyRequest struct {
	WithUserID string `json:"withUserId"`
	Before     string `json:"before"`
	Limit      int    `json:"limit"`
}

type historyResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(chat ChatService, conns ConnectionRegistrar, log *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if conns == nil {
		return nil, errors.New("handler: connection registrar must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{chat: chat, conns: conns, log: log, now: time.Now}, nil
}

// Handle dispatches one API Gateway WebSocket event by route key.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := req.RequestContext
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With(
		"correlation_id", correlationID,
		"route", rc.RouteKey,
		"connection_id", rc.ConnectionID,
	)

	if rc.RouteKey == routeDisconnect {
		if err := h.conns.RemoveConnection(ctx, rc.ConnectionID); err != nil {
			log.ErrorContext(ctx, "ws.disconnect.failed", "err", err)
			return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), correlationID), nil
		}
		return okJSON(struct{}{}, correlationID), nil
	}

	userID := callerUserID(rc.Authorizer)
	if userID == "" {
		log.WarnContext(ctx, "ws.unauthorized")
		return errorJSON(http.StatusUnauthorized, "UNAUTHORIZED", correlationID), nil
	}
	log = log.With("user_id", userID)

	switch rc.RouteKey {
	case routeConnect:
		conn := domain.Connection{
			ConnectionID: rc.ConnectionID,
			UserID:       userID,
			ConnectedAt:  h.now().UTC(),
			Domain:       rc.DomainName,
			Stage:        rc.Stage,
		}
		if err := h.conns.PutConnection(ctx, conn); err != nil {
			log.ErrorContext(ctx, "ws.connect.failed", "err", err)
			return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), correlationID), nil
		}
		log.InfoContext(ctx, "ws.connect")
		return okJSON(struct{}{}, correlationID), nil

	case routeSendMessage:
		var body sendMessageRequest
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			log.WarnContext(ctx, "ws.bad_request", "err", err)
			return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), correlationID), nil
		}
		out, err := h.chat.SendMessage(ctx, usecase.SendMessageInput{
			SenderUserID:    userID,
			RecipientUserID: body.RecipientUserID,
			Message:         body.Message,
		})
		if err != nil {
			return h.fail(ctx, log, err, correlationID), nil
		}
		return okJSON(out, correlationID), nil

	case routeMarkRead:
		var body markReadRequest
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			log.WarnContext(ctx, "ws.bad_request", "err", err)
			return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), correlationID), nil
		}
		out, err := h.chat.MarkConversationAsRead(ctx, usecase.MarkReadInput{ReaderUserID: userID, WithUserID: body.WithUserID})
		if err != nil {
			return h.fail(ctx, log, err, correlationID), nil
		}
		return okJSON(out, correlationID), nil

	case routeHistory:
		var body historyRequest
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			log.WarnContext(ctx, "ws.bad_request", "err", err)
			return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), correlationID), nil
		}
		var before time.Time
		if cursor := strings.TrimSpace(body.Before); cursor != "" {
			parsed, err := time.Parse(time.RFC3339Nano, cursor)
			if err != nil {
				log.WarnContext(ctx, "ws.bad_request", "err", err)
				return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), correlationID), nil
			}
			before = parsed
		}
		msgs, err := h.chat.ListMessages(ctx, usecase.ListMessagesInput{
			UserID:     userID,
			WithUserID: body.WithUserID,
			Before:     before,
			Limit:      body.Limit,
		})
		if err != nil {
			return h.fail(ctx, log, err, correlationID), nil
		}
		return okJSON(historyResponse{Messages: msgs}, correlationID), nil
	}

	log.WarnContext(ctx, "ws.unknown_route")
	return errorJSON(http.StatusBadRequest, "UNKNOWN_ROUTE", correlationID), nil
}

func (h *Handler) fail(ctx context.Context, log *slog.Logger, err error, correlationID string) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		if ucErr.Code == usecase.ErrorInvalidInput {
			log.WarnContext(ctx, "ws.request.rejected", "code", ucErr.Code, "reason", ucErr.Reason)
			return errorJSON(http.StatusBadRequest, string(ucErr.Code), correlationID)
		}
		log.ErrorContext(ctx, "ws.request.failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
		return errorJSON(http.StatusInternalServerError, string(ucErr.Code), correlationID)
	}
	log.ErrorContext(ctx, "ws.request.failed", "err", err)
	return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), correlationID)
}

// callerUserID reads the authorizer context attached by API Gateway.
func callerUserID(authorizer interface{}) string {
	claims, ok := authorizer.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, key := range []string{"userId", "principalId"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func okJSON(v any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), correlationID)
	}
	return response(http.StatusOK, string(body), correlationID)
}

func errorJSON(status int, code, correlationID string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code})
	return response(status, string(body), correlationID)
}

func response(status int, body, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: body,
	}
}
