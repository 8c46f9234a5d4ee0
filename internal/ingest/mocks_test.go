package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/caretrail/caretrail/internal/storage"
)

// Common test errors
var (
	ErrMockBlob    = errors.New("mock blob error")
	ErrMockExtract = errors.New("mock extract error")
	ErrMockEmbed   = errors.New("mock embedding error")
	ErrMockIndex   = errors.New("mock index error")
	ErrMockModel   = errors.New("mock model error")
	ErrMockStore   = errors.New("mock store error")
)

// MockBlobStore implements BlobStore for testing
type MockBlobStore struct {
	mu      sync.Mutex
	Data    map[string][]byte
	Fail    bool
	LastKey string
}

func NewMockBlobStore() *MockBlobStore {
	return &MockBlobStore{Data: make(map[string][]byte)}
}

func (m *MockBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastKey = key
	if m.Fail {
		return nil, ErrMockBlob
	}
	data, ok := m.Data[key]
	if !ok {
		return nil, ErrMockBlob
	}
	return data, nil
}

// MockExtractor implements TextExtractor for testing
type MockExtractor struct {
	Text string
	Fail bool
}

func (m *MockExtractor) Extract(_ context.Context, _ []byte, _ string) (string, error) {
	if m.Fail {
		return "", ErrMockExtract
	}
	return m.Text, nil
}

// MockEmbedder implements Embedder for testing
type MockEmbedder struct {
	mu         sync.Mutex
	CallCount  int
	LastTexts  []string
	FailOnCall int // Fail on Nth call (0 = never fail)
	Dimensions int
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{Dimensions: 4}
}

func (m *MockEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.LastTexts = texts

	if m.FailOnCall > 0 && m.CallCount >= m.FailOnCall {
		return nil, ErrMockEmbed
	}

	result := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, m.Dimensions)
		vec[i%m.Dimensions] = 1.0
		result[i] = vec
	}
	return result, nil
}

// MockIndex implements VectorIndex for testing
type MockIndex struct {
	mu          sync.Mutex
	Collections map[string]int
	Points      map[string][]storage.Point // collection -> points
	Deleted     []string                   // "collection/documentID"
	FailUpsert  bool
	FailEnsure  bool
	FailDelete  bool
	FailList    bool
}

func NewMockIndex() *MockIndex {
	return &MockIndex{
		Collections: make(map[string]int),
		Points:      make(map[string][]storage.Point),
	}
}

func (m *MockIndex) EnsureCollection(_ context.Context, name string, dimensions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailEnsure {
		return ErrMockIndex
	}
	m.Collections[name] = dimensions
	return nil
}

func (m *MockIndex) Upsert(_ context.Context, collection string, points []storage.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpsert {
		return ErrMockIndex
	}
	m.Points[collection] = append(m.Points[collection], points...)
	return nil
}

func (m *MockIndex) ListByDocument(_ context.Context, collection, documentID string) ([]storage.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailList {
		return nil, ErrMockIndex
	}

	var payloads []storage.Payload
	for _, p := range m.Points[collection] {
		if p.Payload.DocumentID == documentID {
			payloads = append(payloads, p.Payload)
		}
	}
	return payloads, nil
}

func (m *MockIndex) DeleteByDocument(_ context.Context, collection, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDelete {
		return ErrMockIndex
	}
	m.Deleted = append(m.Deleted, collection+"/"+documentID)

	var kept []storage.Point
	for _, p := range m.Points[collection] {
		if p.Payload.DocumentID != documentID {
			kept = append(kept, p)
		}
	}
	m.Points[collection] = kept
	return nil
}

// MockModel implements InsightModel for testing
type MockModel struct {
	mu         sync.Mutex
	Response   string
	Fail       bool
	CallCount  int
	LastPrompt string
}

func (m *MockModel) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++
	m.LastPrompt = prompt
	if m.Fail {
		return "", ErrMockModel
	}
	return m.Response, nil
}

func (m *MockModel) Model() string { return "mock-model" }

// MockDocStore implements DocumentStore for testing
type MockDocStore struct {
	mu         sync.Mutex
	Docs       map[string]*storage.DocumentRecord
	Insights   []*storage.InsightRecord
	Alerts     []*storage.AlertRecord
	FailClaim  bool
	FailSave   bool
	FailFinish bool
	FailAlert  bool
}

func NewMockDocStore() *MockDocStore {
	return &MockDocStore{Docs: make(map[string]*storage.DocumentRecord)}
}

func (m *MockDocStore) GetDocument(id string) (*storage.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.Docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (m *MockDocStore) ClaimDocument(id string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailClaim {
		return false, ErrMockStore
	}
	doc, ok := m.Docs[id]
	if !ok {
		return false, nil
	}
	if doc.ProcessingState != storage.StateUnprocessed && doc.ProcessingState != storage.StateFailed {
		return false, nil
	}
	doc.ProcessingState = storage.StateProcessing
	doc.ProcessingError = ""
	return true, nil
}

func (m *MockDocStore) FinishDocument(id, state, errMsg string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFinish {
		return ErrMockStore
	}
	doc, ok := m.Docs[id]
	if !ok {
		return storage.ErrNotFound
	}
	doc.ProcessingState = state
	doc.ProcessingError = errMsg
	return nil
}

func (m *MockDocStore) SaveInsight(insight *storage.InsightRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave {
		return ErrMockStore
	}
	m.Insights = append(m.Insights, insight)
	return nil
}

func (m *MockDocStore) SaveAlert(alert *storage.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAlert {
		return ErrMockStore
	}
	m.Alerts = append(m.Alerts, alert)
	return nil
}

func (m *MockDocStore) State(id string) (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.Docs[id]
	return doc.ProcessingState, doc.ProcessingError
}
