package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Store persists documents and chunks in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a document store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("document: pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create inserts a new document in pending status and returns it.
func (s *Store) Create(ctx context.Context, ownerID, name, sourceURI string) (*Document, error) {
	if ownerID == "" {
		return nil, errors.New("document: owner id is required")
	}
	if name == "" {
		return nil, errors.New("document: name is required")
	}

	doc := &Document{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		SourceURI: sourceURI,
		Status:    StatusPending,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO documents (id, owner_id, name, source_uri, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		doc.ID, doc.OwnerID, doc.Name, doc.SourceURI, doc.Status,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	s.logger.Debug("document created", "document_id", doc.ID, "owner_id", ownerID)
	return doc, nil
}

// Get returns a document by ID, scoped to its owner. Returns ErrNotFound
// when the document does not exist or belongs to a different owner.
func (s *Store) Get(ctx context.Context, ownerID string, id uuid.UUID) (*Document, error) {
	doc := &Document{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, source_uri, status, created_at, updated_at
		FROM documents
		WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	).Scan(&doc.ID, &doc.OwnerID, &doc.Name, &doc.SourceURI, &doc.Status, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListByOwner returns all documents for an owner, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, source_uri, status, created_at, updated_at
		FROM documents
		WHERE owner_id = $1
		ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		if err := rows.Scan(&doc.ID, &doc.OwnerID, &doc.Name, &doc.SourceURI, &doc.Status, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetStatus transitions a document to the given state. Use Complete for the
// completed transition, which additionally verifies chunk persistence.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("document: invalid status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete marks a document as completed. The transition is guarded: it
// succeeds only when at least one chunk exists for the document, so a
// completed document can never be missing its chunks. Returns
// ErrInconsistent when the guard fails.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = now()
		WHERE id = $1
		  AND EXISTS (SELECT 1 FROM chunks WHERE document_id = $1)`,
		id, StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInconsistent
	}
	return nil
}

// Delete removes a document and, via cascade, all of its chunks. Scoped to
// the owner; returns ErrNotFound when nothing matched.
func (s *Store) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM documents WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Debug("document deleted", "document_id", id, "owner_id", ownerID)
	return nil
}

// InsertChunks persists one batch of chunks in a single round trip.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO chunks (id, document_id, ordinal, content, embedding)
			VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.DocumentID, c.Ordinal, c.Content, c.Embedding,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert chunk batch: %w", err)
		}
	}
	return nil
}

// DeleteChunks removes all chunks for a document. Used to clean up after a
// failed ingestion so a retry starts from a blank slate.
func (s *Store) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// ChunkCount returns the number of persisted chunks for a document.
func (s *Store) ChunkCount(ctx context.Context, documentID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM chunks WHERE document_id = $1`, documentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// CompletedDocumentCount returns how many of the owner's documents are in
// completed status. Retrieval skips vector search entirely when this is
// zero.
func (s *Store) CompletedDocumentCount(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM documents WHERE owner_id = $1 AND status = $2`,
		ownerID, StatusCompleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed documents: %w", err)
	}
	return n, nil
}

// SearchChunks performs cosine similarity search over the owner's completed
// documents, returning the top candidates ordered by descending similarity.
// The similarity floor and per-document fairness are applied by the caller;
// this query only over-fetches the raw nearest neighbours.
func (s *Store) SearchChunks(ctx context.Context, ownerID string, embedding pgvector.Vector, limit int32) ([]ChunkMatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, d.name, c.content,
		       1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.owner_id = $2 AND d.status = $3
		ORDER BY c.embedding <=> $1
		LIMIT $4`,
		embedding, ownerID, StatusCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var matches []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.DocumentName, &m.Content, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan chunk match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
