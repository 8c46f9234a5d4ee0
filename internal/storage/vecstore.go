package storage

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// upsertBatchSize bounds the number of points written per transaction.
const upsertBatchSize = 100

// VecStore provides brute-force vector search backed by SQLite BLOBs,
// partitioned into named collections (one per document owner). Vectors
// are loaded into memory for fast cosine similarity computation. At
// <10K points per collection this is sub-millisecond and returns exact
// (not approximate) results.
type VecStore struct {
	db *sql.DB

	mu          sync.RWMutex
	collections map[string]map[string]point // collection -> point_id -> point
}

type point struct {
	vector  []float32 // normalized
	payload Payload
}

// Payload is the metadata stored alongside each chunk vector.
type Payload struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Title      string `json:"title"`
	Category   string `json:"category,omitempty"`
}

// Point is a vector plus payload to upsert into a collection.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint pairs a point with a similarity score.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload Payload
}

// Filter restricts a query to points whose payload matches exactly.
type Filter struct {
	DocumentID string
}

func (f *Filter) matches(p Payload) bool {
	if f == nil {
		return true
	}
	return f.DocumentID == "" || f.DocumentID == p.DocumentID
}

// NewVecStore creates a vector store using the given SQLite database.
// It creates the tables if needed and loads existing vectors into memory.
func NewVecStore(db *sql.DB) (*VecStore, error) {
	vs := &VecStore{
		db:          db,
		collections: make(map[string]map[string]point),
	}

	if err := vs.migrate(); err != nil {
		return nil, fmt.Errorf("vecstore migrate: %w", err)
	}

	if err := vs.loadAll(); err != nil {
		return nil, fmt.Errorf("vecstore load: %w", err)
	}

	return vs, nil
}

func (vs *VecStore) migrate() error {
	_, err := vs.db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			name       TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL,
			metric     TEXT NOT NULL DEFAULT 'cosine',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vectors (
			collection TEXT NOT NULL,
			point_id   TEXT NOT NULL,
			embedding  BLOB NOT NULL,
			dimensions INTEGER NOT NULL,
			payload    TEXT,
			PRIMARY KEY (collection, point_id)
		);
	`)
	return err
}

func (vs *VecStore) loadAll() error {
	rows, err := vs.db.Query("SELECT collection, point_id, embedding, dimensions, payload FROM vectors")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var collection, id string
		var blob []byte
		var dims int
		var payloadJSON sql.NullString

		if err := rows.Scan(&collection, &id, &blob, &dims, &payloadJSON); err != nil {
			return err
		}

		var payload Payload
		if payloadJSON.Valid {
			json.Unmarshal([]byte(payloadJSON.String), &payload)
		}

		if vs.collections[collection] == nil {
			vs.collections[collection] = make(map[string]point)
		}
		vs.collections[collection][id] = point{vector: blobToFloat32(blob, dims), payload: payload}
	}
	return rows.Err()
}

// EnsureCollection registers a collection if it does not exist yet.
// Concurrent creates of the same collection are harmless.
func (vs *VecStore) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	_, err := vs.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO collections (name, dimensions, metric, created_at)
		VALUES (?, ?, 'cosine', ?)
	`, name, dimensions, time.Now().UTC())
	if err != nil {
		return err
	}

	vs.mu.Lock()
	if vs.collections[name] == nil {
		vs.collections[name] = make(map[string]point)
	}
	vs.mu.Unlock()
	return nil
}

// Upsert stores points in a collection, in batches. Vectors are
// normalized on insert so dot product equals cosine similarity.
func (vs *VecStore) Upsert(ctx context.Context, collection string, points []Point) error {
	for start := 0; start < len(points); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := vs.upsertBatch(ctx, collection, points[start:end]); err != nil {
			return fmt.Errorf("upsert batch at %d: %w", start, err)
		}
	}
	return nil
}

func (vs *VecStore) upsertBatch(ctx context.Context, collection string, points []Point) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (collection, point_id, embedding, dimensions, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, point_id) DO UPDATE SET
			embedding=excluded.embedding, dimensions=excluded.dimensions, payload=excluded.payload
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	normalized := make([][]float32, len(points))
	for i, p := range points {
		normalized[i] = normalize(p.Vector)
		payloadJSON, _ := json.Marshal(p.Payload)
		if _, err := stmt.ExecContext(ctx, collection, p.ID, float32ToBlob(normalized[i]), len(normalized[i]), string(payloadJSON)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if vs.collections[collection] == nil {
		vs.collections[collection] = make(map[string]point)
	}
	for i, p := range points {
		vs.collections[collection][p.ID] = point{vector: normalized[i], payload: p.Payload}
	}
	return nil
}

// Query returns the top-K points in a collection by cosine similarity
// to the query vector, optionally restricted by filter. Uses a min-heap
// to track only the top-K results.
func (vs *VecStore) Query(ctx context.Context, collection string, queryVec []float32, limit int, filter *Filter) []ScoredPoint {
	if limit <= 0 {
		limit = 10
	}
	normalizedQuery := normalize(queryVec)

	vs.mu.RLock()
	h := &minHeap{}
	heap.Init(h)
	for id, p := range vs.collections[collection] {
		if len(p.vector) != len(normalizedQuery) || !filter.matches(p.payload) {
			continue
		}
		score := dotProduct(normalizedQuery, p.vector)
		if h.Len() < limit {
			heap.Push(h, ScoredPoint{ID: id, Score: score, Payload: p.payload})
		} else if score > (*h)[0].Score {
			(*h)[0] = ScoredPoint{ID: id, Score: score, Payload: p.payload}
			heap.Fix(h, 0)
		}
	}
	vs.mu.RUnlock()

	// Extract results in descending score order
	results := make([]ScoredPoint, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(ScoredPoint)
	}
	return results
}

// minHeap implements heap.Interface for top-K selection (min at root).
type minHeap []ScoredPoint

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(ScoredPoint)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ListByDocument returns the payload of every point belonging to the
// given document, in arbitrary order. This is an exhaustive fetch, not
// a search: no chunk is left out however many the document has.
func (vs *VecStore) ListByDocument(ctx context.Context, collection, documentID string) ([]Payload, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	var payloads []Payload
	for _, p := range vs.collections[collection] {
		if p.payload.DocumentID == documentID {
			payloads = append(payloads, p.payload)
		}
	}
	return payloads, nil
}

// DeleteByDocument removes every point whose payload belongs to the
// given document. Used before re-running a pipeline so stale chunks
// never survive a reprocess.
func (vs *VecStore) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	var ids []string
	for id, p := range vs.collections[collection] {
		if p.payload.DocumentID == documentID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE collection = ? AND point_id = ?", collection, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, id := range ids {
		delete(vs.collections[collection], id)
	}
	return nil
}

// Count returns the number of stored points in a collection.
func (vs *VecStore) Count(collection string) int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.collections[collection])
}

// --- math helpers ---

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		out := make([]float32, len(v))
		return out
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// --- serialization helpers ---

func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToFloat32(b []byte, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < dims && i*4+4 <= len(b); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
