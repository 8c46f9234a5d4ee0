// Package ingest runs the asynchronous document pipeline: fetch the
// uploaded bytes, extract text, chunk and embed it, index the vectors
// and synthesize a structured insight.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caretrail/caretrail/internal/storage"
)

const (
	// DefaultTimeout bounds a full pipeline run.
	DefaultTimeout = 10 * time.Minute
)

// ErrAlreadyProcessing is returned when a document is claimed by
// another run.
var ErrAlreadyProcessing = errors.New("document is already being processed")

// Config holds pipeline tuning knobs.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Pipeline orchestrates document processing runs.
type Pipeline struct {
	config    Config
	blobs     BlobStore
	docs      DocumentStore
	extractor TextExtractor
	embedder  Embedder
	index     VectorIndex
	model     InsightModel
	now       func() time.Time

	mu     sync.Mutex
	active map[string]bool
}

// Deps holds dependencies for constructing a Pipeline.
type Deps struct {
	Config    Config
	Blobs     BlobStore
	Docs      DocumentStore
	Extractor TextExtractor
	Embedder  Embedder
	Index     VectorIndex
	Model     InsightModel
}

// New creates a pipeline with explicit dependencies.
func New(deps Deps) *Pipeline {
	return &Pipeline{
		config:    deps.Config.withDefaults(),
		blobs:     deps.Blobs,
		docs:      deps.Docs,
		extractor: deps.Extractor,
		embedder:  deps.Embedder,
		index:     deps.Index,
		model:     deps.Model,
		now:       time.Now,
		active:    make(map[string]bool),
	}
}

// CollectionName returns the per-owner vector collection.
func CollectionName(ownerID string) string {
	return "patient_" + ownerID
}

// Dispatch starts processing a document in the background. Errors are
// recorded on the document row; callers poll the processing state.
func (p *Pipeline) Dispatch(documentID string) {
	go func() {
		if err := p.Process(context.Background(), documentID); err != nil && !errors.Is(err, ErrAlreadyProcessing) {
			log.Printf("Warning: processing document %s failed: %v", documentID, err)
		}
	}()
}

// Process runs the full pipeline for one document synchronously. The
// document is claimed through a conditional state transition, so
// concurrent calls (even from separate processes) resolve to one
// winner. Any stage error moves the document to the failed state with
// the reason recorded.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	if !p.markActive(documentID) {
		return ErrAlreadyProcessing
	}
	defer p.unmarkActive(documentID)

	doc, err := p.docs.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", documentID, err)
	}

	claimed, err := p.docs.ClaimDocument(documentID, p.now())
	if err != nil {
		return fmt.Errorf("failed to claim document %s: %w", documentID, err)
	}
	if !claimed {
		return ErrAlreadyProcessing
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if err := p.run(ctx, doc); err != nil {
		if finishErr := p.docs.FinishDocument(documentID, storage.StateFailed, err.Error(), p.now()); finishErr != nil {
			log.Printf("Warning: failed to record failure for document %s: %v", documentID, finishErr)
		}
		return err
	}

	if err := p.docs.FinishDocument(documentID, storage.StateProcessed, "", p.now()); err != nil {
		return fmt.Errorf("failed to mark document %s processed: %w", documentID, err)
	}

	p.notify(doc)
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc *storage.DocumentRecord) error {
	data, err := p.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return fmt.Errorf("failed to fetch upload: %w", err)
	}

	text, err := p.extractor.Extract(ctx, data, doc.FileName)
	if err != nil {
		return fmt.Errorf("failed to extract text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("no text extracted from document")
	}

	chunks := Chunks(text, p.config.ChunkSize, p.config.ChunkOverlap)

	vectors, err := p.embedder.EmbedDocuments(ctx, chunks)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedded %d of %d chunks", len(vectors), len(chunks))
	}

	collection := CollectionName(doc.OwnerID)
	if err := p.index.EnsureCollection(ctx, collection, len(vectors[0])); err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}

	// Reruns replace the previous index entries wholesale.
	if err := p.index.DeleteByDocument(ctx, collection, doc.ID); err != nil {
		return fmt.Errorf("failed to clear previous vectors: %w", err)
	}

	points := make([]storage.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = storage.Point{
			ID:     fmt.Sprintf("%s_chunk_%d", doc.ID, i),
			Vector: vectors[i],
			Payload: storage.Payload{
				DocumentID: doc.ID,
				ChunkIndex: i,
				Text:       chunk,
				Title:      doc.FileName,
				Category:   doc.Category,
			},
		}
	}
	if err := p.index.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("failed to index vectors: %w", err)
	}

	insight, err := p.synthesize(ctx, doc, collection)
	if err != nil {
		return err
	}

	record := &storage.InsightRecord{
		ID:          storage.GenerateID(),
		DocumentID:  doc.ID,
		OwnerID:     doc.OwnerID,
		Title:       insight.Title,
		Summary:     insight.Summary,
		KeyFindings: insight.KeyFindings,
		RiskFlags:   insight.RiskFlags,
		Tags:        insight.Tags,
		Model:       p.model.Model(),
		CreatedAt:   p.now().UTC(),
	}
	if err := p.docs.SaveInsight(record); err != nil {
		return fmt.Errorf("failed to save insight: %w", err)
	}

	return nil
}

// synthesize reads the document's chunks back from the index and asks
// the model for a structured summary.
func (p *Pipeline) synthesize(ctx context.Context, doc *storage.DocumentRecord, collection string) (*Insight, error) {
	// Exhaustive fetch by document tag, not a search: a long document
	// contributes every one of its chunks to the context.
	payloads, err := p.index.ListByDocument(ctx, collection, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexed chunks: %w", err)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no indexed chunks found for document")
	}

	sort.Slice(payloads, func(i, j int) bool {
		return payloads[i].ChunkIndex < payloads[j].ChunkIndex
	})

	parts := make([]string, len(payloads))
	for i, pl := range payloads {
		parts[i] = pl.Text
	}
	text := strings.Join(parts, "\n\n")

	raw, err := p.model.Generate(ctx, insightPrompt(doc.FileName, text))
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize insight: %w", err)
	}

	insight, err := ParseInsight(raw)
	if err != nil {
		return nil, err
	}
	return insight, nil
}

// notify records the success alert. Failures here never fail the run.
func (p *Pipeline) notify(doc *storage.DocumentRecord) {
	alert := &storage.AlertRecord{
		ID:        storage.GenerateID(),
		UserID:    doc.OwnerID,
		Title:     "Report Generated",
		Body:      fmt.Sprintf("Your document %q has been analyzed.", doc.FileName),
		CreatedAt: p.now().UTC(),
	}
	if err := p.docs.SaveAlert(alert); err != nil {
		log.Printf("Warning: failed to save alert for document %s: %v", doc.ID, err)
	}
}

func (p *Pipeline) markActive(documentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[documentID] {
		return false
	}
	p.active[documentID] = true
	return true
}

func (p *Pipeline) unmarkActive(documentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, documentID)
}
