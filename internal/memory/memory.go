// Package memory stores long-lived facts about a user and extracts new
// ones from finished chat turns.
//
// Memories are append-only: they are created by the extractor or directly
// by the user, and deleted on request, but never updated in place. A
// prefix-based dedup check at insert time keeps near-duplicate facts from
// accumulating across turns.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Limits for stored memories.
const (
	// MaxContentLength bounds a single memory's content.
	MaxContentLength = 500

	// DedupPrefixLength is how many leading characters participate in the
	// near-duplicate check. Two memories for the same owner never share
	// this prefix. A containment match over a fixed prefix is a weak
	// heuristic; embedding similarity would be a stronger replacement.
	DedupPrefixLength = 50

	// DefaultRecentLimit is how many memories context assembly loads.
	DefaultRecentLimit = 20
)

// Sentinel errors for memory operations.
var (
	// ErrDuplicate indicates an existing memory already carries the same
	// leading content.
	ErrDuplicate = errors.New("near-duplicate memory exists")

	// ErrNotFound indicates the memory does not exist or belongs to a
	// different owner.
	ErrNotFound = errors.New("memory not found")

	// ErrSecretContent indicates the content looks like a credential and
	// was refused.
	ErrSecretContent = errors.New("memory content contains potential secrets")
)

// Memory is one stored fact about a user.
type Memory struct {
	ID        uuid.UUID
	OwnerID   string
	Content   string
	Category  string
	CreatedAt time.Time
}

// Store persists memories in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a memory store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("memory: pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Add inserts a new memory unless an existing one for the same owner
// shares its leading content, in which case it returns ErrDuplicate.
//
// The dedup check and insert run in one transaction under a per-owner
// advisory lock, so concurrent extraction runs for the same owner cannot
// both pass the check and insert the same fact. pg_advisory_xact_lock
// releases automatically at commit or rollback.
func (s *Store) Add(ctx context.Context, ownerID, content, category string) (*Memory, error) {
	if ownerID == "" {
		return nil, errors.New("memory: owner id is required")
	}
	if content == "" {
		return nil, errors.New("memory: content is required")
	}
	if len(content) > MaxContentLength {
		content = content[:MaxContentLength]
	}
	if ContainsSecrets(content) {
		return nil, ErrSecretContent
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin memory transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("memory transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM memories
			WHERE owner_id = $1 AND left(content, $3) = left($2, $3)
		)`,
		ownerID, content, DedupPrefixLength,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("memory dedup check: %w", err)
	}
	if exists {
		return nil, ErrDuplicate
	}

	mem := &Memory{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Content:  content,
		Category: category,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO memories (id, owner_id, content, category)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		mem.ID, mem.OwnerID, mem.Content, mem.Category,
	).Scan(&mem.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit memory transaction: %w", err)
	}

	s.logger.Debug("memory added", "memory_id", mem.ID, "owner_id", ownerID, "category", category)
	return mem, nil
}

// Recent returns the newest memories for an owner, newest first. A
// non-positive limit selects DefaultRecentLimit.
func (s *Store) Recent(ctx context.Context, ownerID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, content, category, created_at
		FROM memories
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// All returns every memory for an owner, newest first.
func (s *Store) All(ctx context.Context, ownerID string) ([]*Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, content, category, created_at
		FROM memories
		WHERE owner_id = $1
		ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Delete removes one memory, scoped to its owner.
func (s *Store) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM memories WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMemories(rows pgx.Rows) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		m := &Memory{}
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Content, &m.Category, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
