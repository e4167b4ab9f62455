//go:build integration

package document_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/studybuddy-ai/studybuddy/internal/document"
	"github.com/studybuddy-ai/studybuddy/internal/testutil"
)

func newStore(t *testing.T) *document.Store {
	t.Helper()
	tdb := testutil.SetupTestDB(t)
	store, err := document.NewStore(tdb.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

// angleVector builds a unit vector rotated by the given angle in the
// first two dimensions. Cosine similarity between two such vectors is
// cos(a-b), which makes search ordering deterministic.
func angleVector(angle float64) pgvector.Vector {
	v := make([]float32, document.VectorDimension)
	v[0] = float32(math.Cos(angle))
	v[1] = float32(math.Sin(angle))
	return pgvector.NewVector(v)
}

func addChunks(t *testing.T, store *document.Store, docID uuid.UUID, angles ...float64) {
	t.Helper()
	chunks := make([]document.Chunk, 0, len(angles))
	for i, a := range angles {
		chunks = append(chunks, document.Chunk{
			DocumentID: docID,
			Ordinal:    i,
			Content:    fmt.Sprintf("chunk %d", i),
			Embedding:  angleVector(a),
		})
	}
	if err := store.InsertChunks(context.Background(), chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", "biology notes", "file:///notes.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if doc.Status != document.StatusPending {
		t.Errorf("status = %q, want pending", doc.Status)
	}

	got, err := store.Get(ctx, "user-1", doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "biology notes" {
		t.Errorf("name = %q", got.Name)
	}

	// Owner scoping: another user cannot see the document.
	if _, err := store.Get(ctx, "user-2", doc.ID); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("cross-owner Get err = %v, want ErrNotFound", err)
	}
}

func TestCompleteRequiresChunks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", "empty doc", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Complete(ctx, doc.ID); !errors.Is(err, document.ErrInconsistent) {
		t.Fatalf("Complete without chunks err = %v, want ErrInconsistent", err)
	}

	addChunks(t, store, doc.ID, 0)
	if err := store.Complete(ctx, doc.ID); err != nil {
		t.Fatalf("Complete with chunks: %v", err)
	}

	got, err := store.Get(ctx, "user-1", doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != document.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestSearchChunksOrdering(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", "searchable", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Angles increase, so similarity to the zero-angle query decreases.
	addChunks(t, store, doc.ID, 0.8, 0.1, 0.4)
	if err := store.Complete(ctx, doc.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	matches, err := store.SearchChunks(ctx, "user-1", angleVector(0), 10)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Similarity > matches[i-1].Similarity {
			t.Errorf("matches not ordered by similarity: %v then %v",
				matches[i-1].Similarity, matches[i].Similarity)
		}
	}
	if matches[0].Content != "chunk 1" {
		t.Errorf("best match = %q, want the lowest-angle chunk", matches[0].Content)
	}
	if matches[0].DocumentName != "searchable" {
		t.Errorf("document name = %q", matches[0].DocumentName)
	}
}

func TestSearchChunksSkipsIncompleteAndForeign(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	pending, err := store.Create(ctx, "user-1", "still processing", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	addChunks(t, store, pending.ID, 0)

	foreign, err := store.Create(ctx, "user-2", "someone else's", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	addChunks(t, store, foreign.ID, 0)
	if err := store.Complete(ctx, foreign.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	matches, err := store.SearchChunks(ctx, "user-1", angleVector(0), 10)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("got %d matches, want 0 (pending and foreign docs excluded)", len(matches))
	}
}

func TestDeleteCascadesToChunks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", "doomed", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	addChunks(t, store, doc.ID, 0, 0.5)

	if err := store.Delete(ctx, "user-1", doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	count, err := store.ChunkCount(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ChunkCount: %v", err)
	}
	if count != 0 {
		t.Errorf("chunk count after delete = %d, want 0", count)
	}
}

func TestCompletedDocumentCount(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	count, err := store.CompletedDocumentCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("CompletedDocumentCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("initial count = %d, want 0", count)
	}

	doc, err := store.Create(ctx, "user-1", "notes", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	addChunks(t, store, doc.ID, 0)
	if err := store.Complete(ctx, doc.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	count, err = store.CompletedDocumentCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("CompletedDocumentCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
