package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studybuddy-ai/studybuddy/internal/document"
)

const (
	maxDocumentBodyBytes = 10 << 20
	maxDocumentNameLen   = 256
)

type documentHandler struct {
	store    *document.Store
	ingestor *document.Ingestor
	logger   *slog.Logger

	// Ingestion outlives the upload request. bgCtx and wg let shutdown
	// wait for in-flight ingestions instead of killing them.
	bgCtx context.Context
	wg    *sync.WaitGroup
}

// documentResponse is the wire form of a document.
type documentResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	SourceURI string    `json:"source_uri,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toDocumentResponse(d *document.Document) documentResponse {
	return documentResponse{
		ID:        d.ID,
		Name:      d.Name,
		SourceURI: d.SourceURI,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// createDocumentRequest is the POST /api/v1/documents body.
type createDocumentRequest struct {
	Name      string `json:"name"`
	SourceURI string `json:"source_uri"`
	Content   string `json:"content"`
}

// list handles GET /api/v1/documents.
func (h *documentHandler) list(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAuthenticated(w, r)
	if !ok {
		return
	}

	docs, err := h.store.ListByOwner(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("listing documents", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list documents")
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

// create handles POST /api/v1/documents. The document record is created
// synchronously; chunking and embedding run in the background, so the
// response is 202 with status "processing" still pending.
func (h *documentHandler) create(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAuthenticated(w, r)
	if !ok {
		return
	}

	var req createDocumentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	case len(req.Name) > maxDocumentNameLen:
		writeError(w, http.StatusBadRequest, "invalid_request", "name too long")
		return
	case strings.TrimSpace(req.Content) == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	doc, err := h.store.Create(r.Context(), identity.UserID, req.Name, req.SourceURI)
	if err != nil {
		h.logger.Error("creating document", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create document")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.ingestor.Process(h.bgCtx, doc.ID, req.Content); err != nil {
			h.logger.Error("document ingestion failed",
				"document_id", doc.ID,
				"error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
}

// get handles GET /api/v1/documents/{id}.
func (h *documentHandler) get(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAuthenticated(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid document ID")
		return
	}

	doc, err := h.store.Get(r.Context(), identity.UserID, id)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		h.logger.Error("fetching document", "document_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch document")
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// remove handles DELETE /api/v1/documents/{id}. Chunks cascade.
func (h *documentHandler) remove(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAuthenticated(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid document ID")
		return
	}

	if err := h.store.Delete(r.Context(), identity.UserID, id); err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		h.logger.Error("deleting document", "document_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
