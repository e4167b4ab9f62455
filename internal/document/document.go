// Package document manages user documents and their embedded chunks.
//
// A document's text is split into overlapping chunks, each carrying a
// pgvector embedding for similarity search. The upload store and text
// extraction live in an external ingestion service; this package owns the
// document lifecycle (pending → processing → completed | failed), chunk
// persistence, and the owner-scoped vector search used by retrieval.
package document

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// VectorDimension is the embedding dimensionality stored in the chunks
// table. text-embedding-004 outputs 768 dimensions; the pgvector column and
// every embed call must agree on this value.
const VectorDimension int32 = 768

// Sentinel errors for document operations.
var (
	// ErrNotFound indicates the document does not exist or is not owned
	// by the requesting user.
	ErrNotFound = errors.New("document not found")

	// ErrInconsistent indicates a data-integrity violation: a document
	// was about to reach (or was found in) completed status without its
	// chunks persisted. This should never occur when ingestion commits
	// all chunk batches before the status transition.
	ErrInconsistent = errors.New("document completed without persisted chunks")
)

// Status is the document lifecycle state.
type Status string

// Document lifecycle states. The status transition is the only mutation a
// document undergoes after creation.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Document is a user-owned uploaded document. Chunks belong to exactly one
// document and are deleted with it.
type Document struct {
	ID        uuid.UUID
	OwnerID   string
	Name      string
	SourceURI string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chunk is an immutable text segment of a document with its embedding.
// Chunks are created as a batch during ingestion and never edited.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Ordinal    int
	Content    string
	Embedding  pgvector.Vector
}

// ChunkMatch is one vector-search candidate: a chunk annotated with its
// owning document's display name and cosine similarity to the query.
type ChunkMatch struct {
	ChunkID      uuid.UUID
	DocumentID   uuid.UUID
	DocumentName string
	Content      string
	Similarity   float32
}
