//go:build integration

package document_test

import (
	"context"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/genkit"

	"github.com/studybuddy-ai/studybuddy/internal/chunker"
	"github.com/studybuddy-ai/studybuddy/internal/document"
	"github.com/studybuddy-ai/studybuddy/internal/testutil"
)

func newIngestor(t *testing.T, store *document.Store) *document.Ingestor {
	t.Helper()

	g := genkit.Init(context.Background())
	embedder := testutil.NewMockEmbedder(int(document.VectorDimension)).Register(g)

	ing, err := document.NewIngestor(store, embedder, chunker.Options{
		ChunkSize: 200,
		Overlap:   40,
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	return ing
}

func TestIngestorProcess(t *testing.T) {
	store := newStore(t)
	ing := newIngestor(t, store)
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", "cell biology", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	text := strings.Repeat("The cell is the basic structural unit of all organisms. ", 30)
	if err := ing.Process(ctx, doc.ID, text); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.Get(ctx, "user-1", doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != document.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	count, err := store.ChunkCount(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ChunkCount: %v", err)
	}
	if count < 2 {
		t.Errorf("chunk count = %d, want at least 2 for %d bytes", count, len(text))
	}
}

func TestIngestorEmptyDocumentFails(t *testing.T) {
	store := newStore(t)
	ing := newIngestor(t, store)
	ctx := context.Background()

	doc, err := store.Create(ctx, "user-1", "blank", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := ing.Process(ctx, doc.ID, "   \n\n  "); err == nil {
		t.Fatal("Process of empty text should fail")
	}

	got, err := store.Get(ctx, "user-1", doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != document.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}
