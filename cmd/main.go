package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"rsvp-realtime/handler"
	"rsvp-realtime/internal/integrations/apigw"
	"rsvp-realtime/internal/integrations/paramstore"
	"rsvp-realtime/internal/repository"
	"rsvp-realtime/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	connectionsTable := mustEnv("CONNECTIONS_TABLE")
	userIndex := envString("CONNECTIONS_USER_INDEX", "GSI1")
	connectionTTL := time.Duration(envInt("CONNECTION_TTL_HOURS", 24)) * time.Hour
	paramPrefix := mustEnv("PARAM_PREFIX")
	mongoDatabase := mustEnv("MONGO_DATABASE")
	messagesCollection := envString("MESSAGES_COLLECTION", "chatmessages")
	wsEndpoint := mustEnv("WEBSOCKET_ENDPOINT")
	postTimeout := envDuration("POST_TIMEOUT_MS", 3000*time.Millisecond)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 2000)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	mongoURI, err := paramstore.Under(ctx, ssmClient, paramPrefix, "mongo_uri")
	if err != nil {
		slog.Error("failed to read mongo uri", "err", err)
		os.Exit(1)
	}
	db, err := repository.OpenMongo(ctx, mongoURI, mongoDatabase)
	if err != nil {
		slog.Error("failed to connect to mongo", "err", err)
		os.Exit(1)
	}
	messageStore, err := repository.NewMessageStore(db.Collection(messagesCollection))
	if err != nil {
		slog.Error("failed to create message store", "err", err)
		os.Exit(1)
	}

	directory, err := repository.NewConnectionDirectory(awsdynamodb.NewFromConfig(cfg), connectionsTable,
		repository.WithUserIndex(userIndex),
		repository.WithConnectionTTL(connectionTTL),
	)
	if err != nil {
		slog.Error("failed to create connection directory", "err", err)
		os.Exit(1)
	}

	mgmt, err := apigw.NewManagementClient(cfg, wsEndpoint)
	if err != nil {
		slog.Error("failed to create management API client", "err", err)
		os.Exit(1)
	}
	transport, err := apigw.New(mgmt, postTimeout)
	if err != nil {
		slog.Error("failed to create transport", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(directory, messageStore, transport, logger, maxMessageLen)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, directory, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration reads a millisecond count.
func envDuration(key string, def time.Duration) time.Duration {
	n := envInt(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
