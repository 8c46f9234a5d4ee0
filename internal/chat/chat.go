// Package chat implements the patient assistant: session-scoped
// conversations with the model, grounded on the caller's indexed
// document chunks.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caretrail/caretrail/internal/ingest"
	"github.com/caretrail/caretrail/internal/storage"
)

const (
	// SessionTTL is how long a session stays active after it starts.
	SessionTTL = time.Hour

	// maxUserMessages caps how many messages a user can send within
	// one session before having to wait for a fresh one.
	maxUserMessages = 30

	// historyWindow is how many prior messages are replayed into the
	// prompt.
	historyWindow = 20

	// contextTopK is how many document chunks are retrieved per
	// question.
	contextTopK = 5
)

// Message senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// ErrSessionLimit is returned when a session has used up its message
// allowance.
var ErrSessionLimit = errors.New("chat session message limit reached")

const systemPrompt = `You are a helpful medical assistant for a patient health portal. Answer medical questions in simple, easy-to-understand language. Do NOT provide specific diagnoses or treatment plans. If the question is not medical, politely redirect. If you're unsure, suggest consulting a healthcare professional.`

// Store is the chat persistence the service needs.
// Implementations: storage.MetadataStore
type Store interface {
	CreateChatSession(session *storage.ChatSessionRecord) error
	LatestChatSession(userID string) (*storage.ChatSessionRecord, error)
	SaveChatMessage(msg *storage.ChatMessageRecord) error
	ListChatMessages(sessionID string) ([]*storage.ChatMessageRecord, error)
	CountChatMessages(sessionID, sender string) (int, error)
}

// Embedder embeds the user's question for retrieval.
// Implementations: embedding.GeminiClient
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Index searches the caller's chunk vectors.
// Implementations: storage.VecStore
type Index interface {
	Query(ctx context.Context, collection string, queryVec []float32, limit int, filter *storage.Filter) []storage.ScoredPoint
}

// Model generates the assistant reply.
// Implementations: llm.GeminiClient
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Deps wires the service's collaborators.
type Deps struct {
	Store    Store
	Embedder Embedder
	Index    Index
	Model    Model
	Now      func() time.Time
}

// Service answers patient questions within rate-limited sessions.
type Service struct {
	store    Store
	embedder Embedder
	index    Index
	model    Model
	now      func() time.Time
}

// New creates a chat service.
func New(deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    deps.Store,
		embedder: deps.Embedder,
		index:    deps.Index,
		model:    deps.Model,
		now:      now,
	}
}

// Reply is the assistant's answer to one message.
type Reply struct {
	SessionID string
	Message   string
}

// Send records the user's message, generates a reply grounded on the
// user's indexed documents and the session history, and records the
// reply. A fresh session is started when none is active.
func (s *Service) Send(ctx context.Context, userID, message string) (*Reply, error) {
	now := s.now().UTC()

	session, err := s.activeSession(userID, now)
	if err != nil {
		return nil, err
	}

	used, err := s.store.CountChatMessages(session.ID, SenderUser)
	if err != nil {
		return nil, err
	}
	if used >= maxUserMessages {
		return nil, ErrSessionLimit
	}

	history, err := s.store.ListChatMessages(session.ID)
	if err != nil {
		return nil, err
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	prompt := s.buildPrompt(ctx, userID, message, history)
	answer, err := s.model.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate reply: %w", err)
	}
	answer = strings.TrimSpace(answer)

	if err := s.store.SaveChatMessage(&storage.ChatMessageRecord{
		ID:        storage.GenerateID(),
		SessionID: session.ID,
		Sender:    SenderUser,
		Message:   message,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := s.store.SaveChatMessage(&storage.ChatMessageRecord{
		ID:        storage.GenerateID(),
		SessionID: session.ID,
		Sender:    SenderAssistant,
		Message:   answer,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return nil, err
	}

	return &Reply{SessionID: session.ID, Message: answer}, nil
}

// History returns the active session's messages. A nil session means
// no session is active.
func (s *Service) History(userID string) (*storage.ChatSessionRecord, []*storage.ChatMessageRecord, error) {
	session, err := s.store.LatestChatSession(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if s.expired(session, s.now().UTC()) {
		return nil, nil, nil
	}

	msgs, err := s.store.ListChatMessages(session.ID)
	if err != nil {
		return nil, nil, err
	}
	return session, msgs, nil
}

func (s *Service) activeSession(userID string, now time.Time) (*storage.ChatSessionRecord, error) {
	session, err := s.store.LatestChatSession(userID)
	if err == nil && !s.expired(session, now) {
		return session, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	session = &storage.ChatSessionRecord{
		ID:        storage.GenerateID(),
		UserID:    userID,
		StartedAt: now,
	}
	if err := s.store.CreateChatSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) expired(session *storage.ChatSessionRecord, now time.Time) bool {
	return now.Sub(session.StartedAt) >= SessionTTL
}

// buildPrompt assembles the system prompt, retrieved document context
// and session history around the new message. Retrieval failures are
// logged and the question is answered without document context.
func (s *Service) buildPrompt(ctx context.Context, userID, message string, history []*storage.ChatMessageRecord) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n")

	if chunks := s.retrieve(ctx, userID, message); len(chunks) > 0 {
		b.WriteString("\nRelevant excerpts from the patient's documents:\n")
		for _, chunk := range chunks {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", chunk.Title, chunk.Text)
		}
	}

	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Sender, msg.Message)
		}
	}

	fmt.Fprintf(&b, "\nuser: %s\nassistant:", message)
	return b.String()
}

func (s *Service) retrieve(ctx context.Context, userID, message string) []storage.Payload {
	vec, err := s.embedder.EmbedQuery(ctx, message)
	if err != nil {
		log.Printf("Warning: failed to embed chat query for user %s: %v", userID, err)
		return nil
	}

	results := s.index.Query(ctx, ingest.CollectionName(userID), vec, contextTopK, nil)
	payloads := make([]storage.Payload, len(results))
	for i, r := range results {
		payloads[i] = r.Payload
	}
	return payloads
}
