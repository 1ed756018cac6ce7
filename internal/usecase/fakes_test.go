package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rsvp-realtime/internal/domain"
)

var (
	errGone     = errors.New("410 gone")
	errTimeout  = errors.New("post timed out")
	errDatabase = errors.New("database unavailable")
)

// recorder keeps a global order of store writes and transport posts.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type memStore struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
	seq  int
	base time.Time
	rec  *recorder

	createErr error
	countErr  error
	markErr   error
	latestErr error
	listErr   error
}

func newMemStore(rec *recorder) *memStore {
	return &memStore{base: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), rec: rec}
}

func (m *memStore) Create(_ context.Context, in domain.NewChatMessage) (domain.ChatMessage, error) {
	if m.createErr != nil {
		return domain.ChatMessage{}, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg := domain.ChatMessage{
		MessageID:       fmt.Sprintf("m%d", m.seq),
		SenderUserID:    in.SenderUserID,
		RecipientUserID: in.RecipientUserID,
		Message:         in.Message,
		CreatedAt:       m.base.Add(time.Duration(m.seq) * time.Second),
	}
	m.msgs = append(m.msgs, msg)
	if m.rec != nil {
		m.rec.add("store.create:" + msg.MessageID)
	}
	return msg, nil
}

// seed stores n unread messages from sender to recipient.
func (m *memStore) seed(t *testing.T, sender, recipient string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.Create(context.Background(), domain.NewChatMessage{SenderUserID: sender, RecipientUserID: recipient, Message: fmt.Sprintf("seed %d", i)})
		require.NoError(t, err)
	}
}

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.msgs {
		if msg.MessageID == id {
			return true
		}
	}
	return false
}

func (m *memStore) CountUnreadForConversation(_ context.Context, owner, counterpart string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.RecipientUserID == owner && msg.SenderUserID == counterpart && !msg.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountUnreadTotal(_ context.Context, owner string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.RecipientUserID == owner && !msg.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkConversationRead(_ context.Context, reader, with string) (int, error) {
	if m.markErr != nil {
		return 0, m.markErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.msgs {
		msg := &m.msgs[i]
		if msg.RecipientUserID == reader && msg.SenderUserID == with && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReadLatestInConversation(_ context.Context, a, b string) (*domain.ChatMessage, error) {
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.ChatMessage
	for i := range m.msgs {
		msg := m.msgs[i]
		if !inConversation(msg, a, b) {
			continue
		}
		if latest == nil || msg.CreatedAt.After(latest.CreatedAt) {
			latest = &msg
		}
	}
	return latest, nil
}

func (m *memStore) ListConversation(_ context.Context, a, b string, before time.Time, limit int) ([]domain.ChatMessage, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChatMessage
	for _, msg := range m.msgs {
		if inConversation(msg, a, b) && (before.IsZero() || msg.CreatedAt.Before(before)) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func inConversation(msg domain.ChatMessage, a, b string) bool {
	return (msg.SenderUserID == a && msg.RecipientUserID == b) || (msg.SenderUserID == b && msg.RecipientUserID == a)
}

type memDirectory struct {
	mu        sync.Mutex
	byUser    map[string][]domain.Connection
	readErr   map[string]error
	removeErr error
	removed   []string
}

func newMemDirectory() *memDirectory {
	return &memDirectory{byUser: map[string][]domain.Connection{}, readErr: map[string]error{}}
}

func (d *memDirectory) add(userID string, connIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range connIDs {
		d.byUser[userID] = append(d.byUser[userID], domain.Connection{ConnectionID: id, UserID: userID})
	}
}

func (d *memDirectory) ReadConnectionsByUserID(_ context.Context, userID string) ([]domain.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readErr[userID]; err != nil {
		return nil, err
	}
	return append([]domain.Connection(nil), d.byUser[userID]...), nil
}

func (d *memDirectory) RemoveConnection(_ context.Context, connectionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeErr != nil {
		return d.removeErr
	}
	d.removed = append(d.removed, connectionID)
	for user, conns := range d.byUser {
		kept := conns[:0]
		for _, c := range conns {
			if c.ConnectionID != connectionID {
				kept = append(kept, c)
			}
		}
		d.byUser[user] = kept
	}
	return nil
}

func (d *memDirectory) connectionIDs(userID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.byUser[userID]))
	for _, c := range d.byUser[userID] {
		ids = append(ids, c.ConnectionID)
	}
	return ids
}

type fakeTransport struct {
	mu       sync.Mutex
	posts    map[string][]domain.Event
	attempts map[string]int
	failures map[string]map[domain.EventType]error
	rec      *recorder
	onPost   func(conn domain.Connection, event domain.Event)
}

func newFakeTransport(rec *recorder) *fakeTransport {
	return &fakeTransport{
		posts:    map[string][]domain.Event{},
		attempts: map[string]int{},
		failures: map[string]map[domain.EventType]error{},
		rec:      rec,
	}
}

func (f *fakeTransport) failOn(connID string, eventType domain.EventType, err error) {
	if f.failures[connID] == nil {
		f.failures[connID] = map[domain.EventType]error{}
	}
	f.failures[connID][eventType] = err
}

func (f *fakeTransport) Post(_ context.Context, conn domain.Connection, event domain.Event) error {
	if f.onPost != nil {
		f.onPost(conn, event)
	}
	if f.rec != nil {
		f.rec.add("post:" + conn.ConnectionID + ":" + string(event.EventType()))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[conn.ConnectionID]++
	if err := f.failures[conn.ConnectionID][event.EventType()]; err != nil {
		return fmt.Errorf("post to %s: %w", conn.ConnectionID, err)
	}
	f.posts[conn.ConnectionID] = append(f.posts[conn.ConnectionID], event)
	return nil
}

func (f *fakeTransport) IsGone(err error) bool {
	return errors.Is(err, errGone)
}

func (f *fakeTransport) received(connID string) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.posts[connID]...)
}

func (f *fakeTransport) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		n += a
	}
	return n
}

func eventTypes(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType())
	}
	return out
}

func summaryOf(t *testing.T, event domain.Event) domain.ConversationUpdatedPayload {
	t.Helper()
	env, ok := event.(domain.Envelope[domain.ConversationUpdatedPayload])
	require.True(t, ok, "expected conversation-updated envelope, got %T", event)
	return env.Payload
}

func readOf(t *testing.T, event domain.Event) domain.ChatReadPayload {
	t.Helper()
	env, ok := event.(domain.Envelope[domain.ChatReadPayload])
	require.True(t, ok, "expected chat.read envelope, got %T", event)
	return env.Payload
}

func messageOf(t *testing.T, event domain.Event) domain.ChatMessagePayload {
	t.Helper()
	env, ok := event.(domain.Envelope[domain.ChatMessagePayload])
	require.True(t, ok, "expected chat.message envelope, got %T", event)
	return env.Payload
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testEnv struct {
	dir       *memDirectory
	store     *memStore
	transport *fakeTransport
	rec       *recorder
	svc       *ChatService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rec := &recorder{}
	env := &testEnv{
		dir:       newMemDirectory(),
		store:     newMemStore(rec),
		transport: newFakeTransport(rec),
		rec:       rec,
	}
	svc, err := NewChatService(env.dir, env.store, env.transport, discardLogger(), 0)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}
