package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"

	"github.com/studybuddy-ai/studybuddy/internal/chunker"
)

// Ingestion tuning. Chunk batches are embedded and inserted as a unit;
// a bounded number of batches run concurrently so a large document does
// not monopolise the embedding API or the connection pool.
const (
	ingestBatchSize   = 50
	ingestParallelism = 4
)

// Ingestor runs the chunk-embed-persist pipeline for a document.
//
// Processing is all-or-nothing: on any failure the document is marked
// failed and its partial chunks are removed, so a completed document
// always has its full chunk set.
type Ingestor struct {
	store    *Store
	embedder ai.Embedder
	logger   *slog.Logger
	opts     chunker.Options
}

// NewIngestor creates an ingestor. A zero chunker.Options selects the
// default chunk size and overlap.
func NewIngestor(store *Store, embedder ai.Embedder, opts chunker.Options, logger *slog.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("document: store is required")
	}
	if embedder == nil {
		return nil, errors.New("document: embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, embedder: embedder, logger: logger, opts: opts}, nil
}

// Process ingests raw document text: sanitize, split into overlapping
// chunks, embed and persist them in batches, then mark the document
// completed. The document must already exist; its status moves
// pending → processing → completed, or → failed on error.
func (ing *Ingestor) Process(ctx context.Context, docID uuid.UUID, rawText string) error {
	if err := ing.store.SetStatus(ctx, docID, StatusProcessing); err != nil {
		return err
	}

	segments, err := chunker.Split(chunker.Sanitize(rawText), ing.opts)
	if err != nil {
		return ing.fail(ctx, docID, fmt.Errorf("split document: %w", err))
	}

	if err := ing.persistSegments(ctx, docID, segments); err != nil {
		return ing.fail(ctx, docID, err)
	}

	if err := ing.store.Complete(ctx, docID); err != nil {
		return ing.fail(ctx, docID, err)
	}

	ing.logger.Info("document ingested", "document_id", docID, "chunks", len(segments))
	return nil
}

// persistSegments embeds and inserts segments in fixed-size batches with
// bounded parallelism. Ordinals preserve the original segment order
// regardless of batch completion order.
func (ing *Ingestor) persistSegments(ctx context.Context, docID uuid.UUID, segments []string) error {
	sem := make(chan struct{}, ingestParallelism)
	errCh := make(chan error, (len(segments)/ingestBatchSize)+1)
	var wg sync.WaitGroup

	for start := 0; start < len(segments); start += ingestBatchSize {
		end := min(start+ingestBatchSize, len(segments))

		wg.Add(1)
		sem <- struct{}{}
		go func(start int, batch []string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := ing.processBatch(ctx, docID, start, batch); err != nil {
				errCh <- err
			}
		}(start, segments[start:end])
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

// processBatch embeds one batch of segments and inserts the resulting
// chunks in a single database round trip.
func (ing *Ingestor) processBatch(ctx context.Context, docID uuid.UUID, start int, batch []string) error {
	embeddings, err := ing.embedBatch(ctx, batch)
	if err != nil {
		return err
	}

	chunks := make([]Chunk, len(batch))
	for i, content := range batch {
		chunks[i] = Chunk{
			ID:         uuid.New(),
			DocumentID: docID,
			Ordinal:    start + i,
			Content:    content,
			Embedding:  embeddings[i],
		}
	}
	return ing.store.InsertChunks(ctx, chunks)
}

// embedBatch generates embeddings for a batch of texts in one API call.
func (ing *Ingestor) embedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	dim := VectorDimension
	input := make([]*ai.Document, len(texts))
	for i, t := range texts {
		input[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := ing.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   input,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embed chunk batch: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed chunk batch: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	vectors := make([]pgvector.Vector, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("embed chunk batch: empty embedding at index %d", i)
		}
		vectors[i] = pgvector.NewVector(e.Embedding)
	}
	return vectors, nil
}

// fail records the failure, removes partial chunks, and marks the
// document failed. The original error is returned in all cases.
func (ing *Ingestor) fail(ctx context.Context, docID uuid.UUID, cause error) error {
	ing.logger.Warn("document ingestion failed", "document_id", docID, "error", cause)
	if err := ing.store.DeleteChunks(ctx, docID); err != nil {
		ing.logger.Warn("partial chunk cleanup failed", "document_id", docID, "error", err)
	}
	if err := ing.store.SetStatus(ctx, docID, StatusFailed); err != nil {
		ing.logger.Warn("failed-status transition failed", "document_id", docID, "error", err)
	}
	return cause
}
