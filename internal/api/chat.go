package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/firebase/genkit/go/ai"

	"github.com/studybuddy-ai/studybuddy/internal/chat"
)

// maxChatBodyBytes bounds the chat request body.
const maxChatBodyBytes = 1 << 20

// SSE event types for chat streaming.
const (
	eventChunk = "chunk"
	eventDone  = "done"
	eventError = "error"
)

// ChatService runs one conversational turn. *chat.Service implements it.
type ChatService interface {
	StreamTurn(ctx context.Context, user chat.User, messages []*ai.Message, callback chat.StreamCallback) (*chat.Response, error)
}

// chatMessage is one conversation entry in the request body.
type chatMessage struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// chatRequest is the POST /api/v1/chat/stream body.
type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

// chunkPayload carries one streamed fragment.
type chunkPayload struct {
	Text string `json:"text"`
}

// donePayload closes a successful stream with the full response.
type donePayload struct {
	Response string `json:"response"`
}

// errorPayload closes a failed stream.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type chatHandler struct {
	service ChatService
	logger  *slog.Logger
}

// stream handles POST /api/v1/chat/stream as Server-Sent Events. Errors
// after headers are sent arrive as error events; the HTTP status is
// always 200 once streaming starts.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = writeEvent(w, flusher, eventError, errorPayload{Code: "invalid_request", Message: "invalid request body"})
		return
	}

	messages, err := toMessages(req.Messages)
	if err != nil {
		_ = writeEvent(w, flusher, eventError, errorPayload{Code: "invalid_request", Message: err.Error()})
		return
	}

	identity, _ := identityFromContext(r.Context())
	user := chat.User{ID: identity.UserID, Authenticated: identity.Authenticated}

	ctx := r.Context()
	resp, err := h.service.StreamTurn(ctx, user, messages, func(_ context.Context, fragment string) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("client disconnected: %w", err)
		}
		return writeEvent(w, flusher, eventChunk, chunkPayload{Text: fragment})
	})
	if err != nil {
		h.writeStreamError(w, flusher, err)
		return
	}

	_ = writeEvent(w, flusher, eventDone, donePayload{Response: resp.Text})
}

// writeStreamError maps turn errors to SSE error codes.
func (h *chatHandler) writeStreamError(w io.Writer, f http.Flusher, err error) {
	code := "stream_error"
	switch {
	case errors.Is(err, chat.ErrEmptyConversation):
		code = "invalid_request"
	case errors.Is(err, chat.ErrCircuitOpen):
		code = "model_unavailable"
	}
	h.logger.Warn("chat stream failed", "code", code, "error", err)
	_ = writeEvent(w, f, eventError, errorPayload{Code: code, Message: err.Error()})
}

// toMessages converts the wire conversation to genkit messages.
func toMessages(wire []chatMessage) ([]*ai.Message, error) {
	if len(wire) == 0 {
		return nil, errors.New("messages is required")
	}
	messages := make([]*ai.Message, 0, len(wire))
	for _, m := range wire {
		switch m.Role {
		case "user":
			messages = append(messages, ai.NewUserTextMessage(m.Text))
		case "assistant", "model":
			messages = append(messages, ai.NewModelTextMessage(m.Text))
		default:
			return nil, fmt.Errorf("unknown role %q", m.Role)
		}
	}
	return messages, nil
}

// writeEvent writes one SSE event with a JSON payload and flushes it.
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
