package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/studybuddy-ai/studybuddy/internal/document"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	embeddings := make([]*ai.Embedding, len(req.Input))
	for i := range req.Input {
		vec := make([]float32, document.VectorDimension)
		vec[0] = 1
		embeddings[i] = &ai.Embedding{Embedding: vec}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

func (f *fakeEmbedder) Name() string { return "fake-embedder" }

func (f *fakeEmbedder) Register(api.Registry) {}

type fakeSearcher struct {
	completed   int
	matches     []document.ChunkMatch
	searchCalls int
	countErr    error
	searchErr   error
}

func (f *fakeSearcher) CompletedDocumentCount(context.Context, string) (int, error) {
	return f.completed, f.countErr
}

func (f *fakeSearcher) SearchChunks(_ context.Context, _ string, _ pgvector.Vector, _ int32) ([]document.ChunkMatch, error) {
	f.searchCalls++
	return f.matches, f.searchErr
}

func match(docID uuid.UUID, name string, similarity float32) document.ChunkMatch {
	return document.ChunkMatch{
		ChunkID:      uuid.New(),
		DocumentID:   docID,
		DocumentName: name,
		Content:      "content",
		Similarity:   similarity,
	}
}

func TestRetrieve_SimilarityFloor(t *testing.T) {
	docID := uuid.New()
	searcher := &fakeSearcher{
		completed: 1,
		matches: []document.ChunkMatch{
			match(docID, "notes", 0.9),
			match(docID, "notes", 0.5),
			match(docID, "notes", 0.2),
		},
	}
	r, err := NewRetriever(searcher, &fakeEmbedder{}, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	results, err := r.Retrieve(context.Background(), "user-1", "what is dependency injection?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results above the floor, got %d", len(results))
	}
	for _, res := range results {
		if res.Similarity < DefaultSimilarityFloor {
			t.Errorf("result below floor: %v", res.Similarity)
		}
	}
}

func TestRetrieve_PerDocumentCap(t *testing.T) {
	// Three documents, each with three qualifying chunks. The cap keeps
	// two per document and the order stays similarity-descending.
	docA, docB, docC := uuid.New(), uuid.New(), uuid.New()
	searcher := &fakeSearcher{
		completed: 3,
		matches: []document.ChunkMatch{
			match(docA, "a", 0.95),
			match(docA, "a", 0.90),
			match(docA, "a", 0.85),
			match(docB, "b", 0.80),
			match(docB, "b", 0.75),
			match(docB, "b", 0.70),
			match(docC, "c", 0.65),
			match(docC, "c", 0.60),
			match(docC, "c", 0.55),
		},
	}
	r, err := NewRetriever(searcher, &fakeEmbedder{}, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	results, err := r.Retrieve(context.Background(), "user-1", "query")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results with per-document cap, got %d", len(results))
	}
	perDoc := make(map[uuid.UUID]int)
	for i, res := range results {
		perDoc[res.DocumentID]++
		if i > 0 && res.Similarity > results[i-1].Similarity {
			t.Errorf("results out of order at %d: %v > %v", i, res.Similarity, results[i-1].Similarity)
		}
	}
	for docID, n := range perDoc {
		if n > DefaultPerDocumentCap {
			t.Errorf("document %s has %d results, cap is %d", docID, n, DefaultPerDocumentCap)
		}
	}
}

func TestRetrieve_GlobalCap(t *testing.T) {
	var matches []document.ChunkMatch
	for i := 0; i < 10; i++ {
		docID := uuid.New()
		matches = append(matches, match(docID, "d", 0.9), match(docID, "d", 0.8))
	}
	searcher := &fakeSearcher{completed: 10, matches: matches}
	r, err := NewRetriever(searcher, &fakeEmbedder{}, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	results, err := r.Retrieve(context.Background(), "user-1", "query")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != DefaultMaxResults {
		t.Fatalf("expected %d results, got %d", DefaultMaxResults, len(results))
	}
}

func TestRetrieve_NoCompletedDocuments(t *testing.T) {
	searcher := &fakeSearcher{completed: 0}
	embedder := &fakeEmbedder{}
	r, err := NewRetriever(searcher, embedder, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	results, err := r.Retrieve(context.Background(), "user-1", "query")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results, got %v", results)
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times for owner with no completed documents", embedder.calls)
	}
	if searcher.searchCalls != 0 {
		t.Errorf("vector search called %d times for owner with no completed documents", searcher.searchCalls)
	}
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	searcher := &fakeSearcher{completed: 1}
	r, err := NewRetriever(searcher, &fakeEmbedder{}, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	results, err := r.Retrieve(context.Background(), "user-1", "   ")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results for blank query, got %v", results)
	}
}

func TestRetrieve_EmbedError(t *testing.T) {
	wantErr := errors.New("quota exceeded")
	searcher := &fakeSearcher{completed: 1}
	r, err := NewRetriever(searcher, &fakeEmbedder{err: wantErr}, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	if _, err := r.Retrieve(context.Background(), "user-1", "query"); !errors.Is(err, wantErr) {
		t.Fatalf("expected embed error, got %v", err)
	}
}

func TestQueryText(t *testing.T) {
	user := func(text string) *ai.Message { return ai.NewUserTextMessage(text) }
	model := func(text string) *ai.Message { return ai.NewModelTextMessage(text) }

	tests := []struct {
		name     string
		messages []*ai.Message
		want     string
	}{
		{
			name:     "single turn",
			messages: []*ai.Message{user("what is a goroutine?")},
			want:     "what is a goroutine?",
		},
		{
			name: "ignores assistant turns",
			messages: []*ai.Message{
				user("first"),
				model("an answer"),
				user("second"),
			},
			want: "first\nsecond",
		},
		{
			name: "keeps only the last three user turns in order",
			messages: []*ai.Message{
				user("one"), user("two"), user("three"), user("four"),
			},
			want: "two\nthree\nfour",
		},
		{
			name:     "empty conversation",
			messages: nil,
			want:     "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QueryText(tt.messages); got != tt.want {
				t.Errorf("QueryText() = %q, want %q", got, tt.want)
			}
		})
	}
}
