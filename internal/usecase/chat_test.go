package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	dir, store, transport := newMemDirectory(), newMemStore(nil), newFakeTransport(nil)

	_, err := NewChatService(nil, store, transport, nil, 0)
	require.Error(t, err)
	_, err = NewChatService(dir, nil, transport, nil, 0)
	require.Error(t, err)
	_, err = NewChatService(dir, store, nil, nil, 0)
	require.Error(t, err)

	svc, err := NewChatService(dir, store, transport, nil, 0)
	require.NoError(t, err)
	require.NotNil(t, svc.log)
	require.Equal(t, defaultMaxMessageLen, svc.maxMessageLen)
}

func TestListMessages_ReturnsChronologicalPage(t *testing.T) {
	env := newTestEnv(t)
	env.store.seed(t, "alice", "bob", 3)
	env.store.seed(t, "carol", "bob", 2)
	env.store.seed(t, "bob", "alice", 1)

	msgs, err := env.svc.ListMessages(context.Background(), ListMessagesInput{UserID: "bob", WithUserID: "alice"})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i-1].CreatedAt.Before(msgs[i].CreatedAt))
	}
	require.Equal(t, "m6", msgs[3].MessageID)

	older, err := env.svc.ListMessages(context.Background(), ListMessagesInput{UserID: "bob", WithUserID: "alice", Before: msgs[2].CreatedAt, Limit: 1})
	require.NoError(t, err)
	require.Len(t, older, 1)
	require.Equal(t, msgs[1].MessageID, older[0].MessageID)
}

func TestListMessages_ClampsLimit(t *testing.T) {
	env := newTestEnv(t)
	env.store.seed(t, "alice", "bob", maxHistoryLimit+5)

	msgs, err := env.svc.ListMessages(context.Background(), ListMessagesInput{UserID: "bob", WithUserID: "alice"})
	require.NoError(t, err)
	require.Len(t, msgs, defaultHistoryLimit)

	msgs, err = env.svc.ListMessages(context.Background(), ListMessagesInput{UserID: "bob", WithUserID: "alice", Limit: 10_000})
	require.NoError(t, err)
	require.Len(t, msgs, maxHistoryLimit)
}

func TestListMessages_Errors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ListMessages(context.Background(), ListMessagesInput{UserID: "bob"})
	expectChatError(t, err, ErrorInvalidInput, "missing_user_id")

	env.store.listErr = errDatabase
	_, err = env.svc.ListMessages(context.Background(), ListMessagesInput{UserID: "bob", WithUserID: "alice"})
	expectChatError(t, err, ErrorInternal, "history_read_error")
	require.ErrorIs(t, err, errDatabase)
}

func TestError_Format(t *testing.T) {
	require.Equal(t, "usecase: INVALID_INPUT (empty_message)", newError(ErrorInvalidInput, "empty_message", nil).Error())
	err := newError(ErrorInternal, "message_write_error", errDatabase)
	require.Equal(t, "usecase: INTERNAL_ERROR (message_write_error): database unavailable", err.Error())
	require.ErrorIs(t, err, errDatabase)
}
