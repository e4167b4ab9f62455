package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studybuddy-ai/studybuddy/internal/memory"
)

const maxMemoryBodyBytes = 64 << 10

type memoryHandler struct {
	store  *memory.Store
	logger *slog.Logger
}

type memoryResponse struct {
	ID        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toMemoryResponse(m *memory.Memory) memoryResponse {
	return memoryResponse{
		ID:        m.ID,
		Content:   m.Content,
		Category:  m.Category,
		CreatedAt: m.CreatedAt,
	}
}

// createMemoryRequest is the POST /api/v1/memories body.
type createMemoryRequest struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// list handles GET /api/v1/memories.
func (h *memoryHandler) list(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAuthenticated(w, r)
	if !ok {
		return
	}

	memories, err := h.store.All(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("listing memories", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list memories")
		return
	}

	out := make([]memoryResponse, 0, len(memories))
	for _, m := range memories {
		out = append(out, toMemoryResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

// create handles POST /api/v1/memories. A duplicate of an existing
// memory (same 50-character prefix) is a 409.
func (h *memoryHandler) create(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAuthenticated(w, r)
	if !ok {
		return
	}

	var req createMemoryRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxMemoryBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	m, err := h.store.Add(r.Context(), identity.UserID, req.Content, req.Category)
	if err != nil {
		if errors.Is(err, memory.ErrDuplicate) {
			writeError(w, http.StatusConflict, "duplicate", "a similar memory already exists")
			return
		}
		if errors.Is(err, memory.ErrSecretContent) {
			writeError(w, http.StatusBadRequest, "invalid_request", "content looks like a credential and was refused")
			return
		}
		h.logger.Error("creating memory", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create memory")
		return
	}
	writeJSON(w, http.StatusCreated, toMemoryResponse(m))
}

// remove handles DELETE /api/v1/memories/{id}.
func (h *memoryHandler) remove(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAuthenticated(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid memory ID")
		return
	}

	if err := h.store.Delete(r.Context(), identity.UserID, id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "memory not found")
			return
		}
		h.logger.Error("deleting memory", "memory_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete memory")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
