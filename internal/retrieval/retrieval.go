// Package retrieval finds the document chunks most relevant to a chat
// query using vector similarity, with per-document fairness so a single
// large document cannot crowd out the rest of the user's library.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"

	"github.com/studybuddy-ai/studybuddy/internal/document"
)

// Retrieval tuning defaults. The similarity floor discards candidates
// with little semantic relation to the query; the per-document cap keeps
// results spread across the user's documents.
const (
	DefaultMaxResults     = 12
	DefaultPerDocumentCap = 2
	DefaultSimilarityFloor = 0.35

	// overFetchFactor controls how many raw nearest neighbours the
	// database returns before fairness filtering. Capping two chunks
	// per document can discard most of a clustered result set, so the
	// query fetches a multiple of the final result count.
	overFetchFactor = 4

	// maxQueryTurns is how many trailing user turns compose the
	// retrieval query. Recent turns carry the active topic; older ones
	// dilute the embedding.
	maxQueryTurns = 3
)

// Searcher is the storage surface retrieval depends on. *document.Store
// implements it; tests substitute fixed candidate sets.
type Searcher interface {
	CompletedDocumentCount(ctx context.Context, ownerID string) (int, error)
	SearchChunks(ctx context.Context, ownerID string, embedding pgvector.Vector, limit int32) ([]document.ChunkMatch, error)
}

// Result is one retrieved chunk ready for context assembly.
type Result struct {
	ChunkID      uuid.UUID
	DocumentID   uuid.UUID
	DocumentName string
	Content      string
	Similarity   float32
}

// Options tunes the fairness filter. Zero values select the defaults.
type Options struct {
	MaxResults      int
	PerDocumentCap  int
	SimilarityFloor float32
}

func (o Options) withDefaults() Options {
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.PerDocumentCap <= 0 {
		o.PerDocumentCap = DefaultPerDocumentCap
	}
	if o.SimilarityFloor <= 0 {
		o.SimilarityFloor = DefaultSimilarityFloor
	}
	return o
}

// Retriever embeds a query and searches the owner's completed documents.
type Retriever struct {
	searcher Searcher
	embedder ai.Embedder
	logger   *slog.Logger
	opts     Options
}

// NewRetriever creates a retriever. A zero Options selects the defaults.
func NewRetriever(searcher Searcher, embedder ai.Embedder, opts Options, logger *slog.Logger) (*Retriever, error) {
	if searcher == nil {
		return nil, errors.New("retrieval: searcher is required")
	}
	if embedder == nil {
		return nil, errors.New("retrieval: embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{searcher: searcher, embedder: embedder, logger: logger, opts: opts.withDefaults()}, nil
}

// Retrieve returns the chunks most relevant to the query for this owner,
// at most MaxResults with at most PerDocumentCap per document, all at or
// above the similarity floor. When the owner has no completed documents
// it returns nil without touching the embedding API.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, query string) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	n, err := r.searcher.CompletedDocumentCount(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count completed documents: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	embedding, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	limit := int32(r.opts.MaxResults * overFetchFactor)
	matches, err := r.searcher.SearchChunks(ctx, ownerID, embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	results := r.filter(matches)
	r.logger.Debug("retrieval complete",
		"owner_id", ownerID, "candidates", len(matches), "results", len(results))
	return results, nil
}

// filter applies the similarity floor, the per-document cap, and the
// global result cap in one pass. Matches arrive ordered by descending
// similarity and the output preserves that order, so the cap keeps each
// document's best chunks.
func (r *Retriever) filter(matches []document.ChunkMatch) []Result {
	perDoc := make(map[uuid.UUID]int)
	var results []Result
	for _, m := range matches {
		if m.Similarity < r.opts.SimilarityFloor {
			continue
		}
		if perDoc[m.DocumentID] >= r.opts.PerDocumentCap {
			continue
		}
		perDoc[m.DocumentID]++
		results = append(results, Result{
			ChunkID:      m.ChunkID,
			DocumentID:   m.DocumentID,
			DocumentName: m.DocumentName,
			Content:      m.Content,
			Similarity:   m.Similarity,
		})
		if len(results) >= r.opts.MaxResults {
			break
		}
	}
	return results
}

// embedQuery generates the query embedding at the chunk dimensionality.
func (r *Retriever) embedQuery(ctx context.Context, query string) (pgvector.Vector, error) {
	dim := document.VectorDimension
	resp, err := r.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(query, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, errors.New("embed query: empty embedding response")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

// QueryText composes the retrieval query from the trailing user turns of
// a conversation, oldest first. At most the last three user messages are
// used; assistant turns are ignored.
func QueryText(messages []*ai.Message) string {
	var turns []string
	for i := len(messages) - 1; i >= 0 && len(turns) < maxQueryTurns; i-- {
		msg := messages[i]
		if msg == nil || msg.Role != ai.RoleUser {
			continue
		}
		if text := strings.TrimSpace(msg.Text()); text != "" {
			turns = append(turns, text)
		}
	}
	// Collected newest-first; restore conversation order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return strings.Join(turns, "\n")
}
