package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caretrail/caretrail/internal/storage"
)

// memChatStore is an in-memory Store for testing
type memChatStore struct {
	mu       sync.Mutex
	sessions map[string]*storage.ChatSessionRecord
	messages []*storage.ChatMessageRecord
}

func newMemChatStore() *memChatStore {
	return &memChatStore{sessions: make(map[string]*storage.ChatSessionRecord)}
}

func (m *memChatStore) CreateChatSession(session *storage.ChatSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *memChatStore) LatestChatSession(userID string) (*storage.ChatSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *storage.ChatSessionRecord
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *memChatStore) SaveChatMessage(msg *storage.ChatMessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	m.messages = append(m.messages, &copied)
	return nil
}

func (m *memChatStore) ListChatMessages(sessionID string) ([]*storage.ChatMessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.ChatMessageRecord
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			copied := *msg
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memChatStore) CountChatMessages(sessionID, sender string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && msg.Sender == sender {
			n++
		}
	}
	return n, nil
}

type mockEmbedder struct {
	fail bool
}

func (m *mockEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if m.fail {
		return nil, errors.New("embedding unavailable")
	}
	return []float32{1, 0, 0}, nil
}

type mockIndex struct {
	mu             sync.Mutex
	chunks         []storage.Payload
	lastCollection string
}

func (m *mockIndex) Query(_ context.Context, collection string, _ []float32, limit int, _ *storage.Filter) []storage.ScoredPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCollection = collection
	var out []storage.ScoredPoint
	for _, p := range m.chunks {
		out = append(out, storage.ScoredPoint{Payload: p})
		if len(out) >= limit {
			break
		}
	}
	return out
}

type mockModel struct {
	mu         sync.Mutex
	response   string
	fail       bool
	lastPrompt string
}

func (m *mockModel) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrompt = prompt
	if m.fail {
		return "", errors.New("model unavailable")
	}
	return m.response, nil
}

type chatFixture struct {
	service  *Service
	store    *memChatStore
	embedder *mockEmbedder
	index    *mockIndex
	model    *mockModel
	clock    time.Time
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	f := &chatFixture{
		store:    newMemChatStore(),
		embedder: &mockEmbedder{},
		index:    &mockIndex{},
		model:    &mockModel{response: "here is a plain explanation"},
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.service = New(Deps{
		Store:    f.store,
		Embedder: f.embedder,
		Index:    f.index,
		Model:    f.model,
		Now:      func() time.Time { return f.clock },
	})
	return f
}

func TestSendStartsSessionAndRecordsMessages(t *testing.T) {
	f := newChatFixture(t)

	reply, err := f.service.Send(context.Background(), "u1", "what does HbA1c mean?")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.SessionID)
	assert.Equal(t, "here is a plain explanation", reply.Message)

	msgs, err := f.store.ListChatMessages(reply.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, SenderUser, msgs[0].Sender)
	assert.Equal(t, "what does HbA1c mean?", msgs[0].Message)
	assert.Equal(t, SenderAssistant, msgs[1].Sender)

	assert.Contains(t, f.model.lastPrompt, "medical assistant")
	assert.Contains(t, f.model.lastPrompt, "what does HbA1c mean?")
}

func TestSendIncludesDocumentContext(t *testing.T) {
	f := newChatFixture(t)
	f.index.chunks = []storage.Payload{
		{DocumentID: "d1", ChunkIndex: 0, Text: "HbA1c 5.1% within normal range", Title: "panel.pdf"},
	}

	_, err := f.service.Send(context.Background(), "u1", "is my HbA1c ok?")
	require.NoError(t, err)

	assert.Equal(t, "patient_u1", f.index.lastCollection)
	assert.Contains(t, f.model.lastPrompt, "HbA1c 5.1% within normal range")
	assert.Contains(t, f.model.lastPrompt, "panel.pdf")
}

func TestSendToleratesRetrievalFailure(t *testing.T) {
	f := newChatFixture(t)
	f.embedder.fail = true

	reply, err := f.service.Send(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "here is a plain explanation", reply.Message)
}

func TestSendReusesActiveSession(t *testing.T) {
	f := newChatFixture(t)

	first, err := f.service.Send(context.Background(), "u1", "first question")
	require.NoError(t, err)

	f.clock = f.clock.Add(10 * time.Minute)
	second, err := f.service.Send(context.Background(), "u1", "second question")
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Contains(t, f.model.lastPrompt, "first question", "history must carry into the next prompt")
}

func TestSendStartsFreshSessionAfterTTL(t *testing.T) {
	f := newChatFixture(t)

	first, err := f.service.Send(context.Background(), "u1", "first question")
	require.NoError(t, err)

	f.clock = f.clock.Add(SessionTTL + time.Minute)
	second, err := f.service.Send(context.Background(), "u1", "later question")
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotContains(t, f.model.lastPrompt, "first question", "a fresh session starts without history")
}

func TestSendSessionLimit(t *testing.T) {
	f := newChatFixture(t)

	reply, err := f.service.Send(context.Background(), "u1", "question 0")
	require.NoError(t, err)
	for i := 1; i < maxUserMessages; i++ {
		require.NoError(t, f.store.SaveChatMessage(&storage.ChatMessageRecord{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: reply.SessionID,
			Sender:    SenderUser,
			Message:   fmt.Sprintf("question %d", i),
			CreatedAt: f.clock,
		}))
	}

	_, err = f.service.Send(context.Background(), "u1", "one too many")
	assert.ErrorIs(t, err, ErrSessionLimit)
}

func TestSendHistoryWindow(t *testing.T) {
	f := newChatFixture(t)

	reply, err := f.service.Send(context.Background(), "u1", "oldest question")
	require.NoError(t, err)
	for i := 0; i < historyWindow; i++ {
		require.NoError(t, f.store.SaveChatMessage(&storage.ChatMessageRecord{
			ID:        fmt.Sprintf("f%d", i),
			SessionID: reply.SessionID,
			Sender:    SenderAssistant,
			Message:   fmt.Sprintf("filler %d", i),
			CreatedAt: f.clock.Add(time.Duration(i+1) * time.Second),
		}))
	}

	_, err = f.service.Send(context.Background(), "u1", "newest question")
	require.NoError(t, err)

	assert.NotContains(t, f.model.lastPrompt, "oldest question")
	assert.Contains(t, f.model.lastPrompt, "filler 19")
}

func TestSendModelFailure(t *testing.T) {
	f := newChatFixture(t)
	f.model.fail = true

	_, err := f.service.Send(context.Background(), "u1", "hello")
	require.Error(t, err)

	session, serr := f.store.LatestChatSession("u1")
	require.NoError(t, serr)
	msgs, _ := f.store.ListChatMessages(session.ID)
	assert.Empty(t, msgs, "failed generations must not burn the message allowance")
}

func TestHistory(t *testing.T) {
	f := newChatFixture(t)

	session, msgs, err := f.service.History("u1")
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Empty(t, msgs)

	reply, err := f.service.Send(context.Background(), "u1", "hello")
	require.NoError(t, err)

	session, msgs, err = f.service.History("u1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, reply.SessionID, session.ID)
	assert.Len(t, msgs, 2)

	f.clock = f.clock.Add(SessionTTL + time.Minute)
	session, msgs, err = f.service.History("u1")
	require.NoError(t, err)
	assert.Nil(t, session, "expired sessions are not reported")
	assert.Empty(t, msgs)
}
