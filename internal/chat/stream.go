package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
)

// StreamCallback receives one text fragment as the model produces it.
// Returning an error aborts the stream.
type StreamCallback func(ctx context.Context, fragment string) error

// accumulator adapts a StreamCallback to genkit's chunk callback while
// recording everything delivered. Fragments are forwarded to the caller
// first and appended second, so on a callback error the recorded text is
// exactly what the caller received. Access to the builder is serialized;
// fragment order follows delivery order.
type accumulator struct {
	mu       sync.Mutex
	text     strings.Builder
	callback StreamCallback
}

// chunkCallback returns the genkit streaming callback, or nil when the
// caller did not ask for streaming (accumulation then happens from the
// final response instead).
func (a *accumulator) chunkCallback() ai.ModelStreamCallback {
	if a.callback == nil {
		return nil
	}
	return func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
		if chunk == nil {
			return nil
		}
		for _, part := range chunk.Content {
			if part.Text == "" {
				continue
			}
			if err := a.callback(ctx, part.Text); err != nil {
				return err
			}
			a.mu.Lock()
			a.text.WriteString(part.Text)
			a.mu.Unlock()
		}
		return nil
	}
}

// String returns the concatenation of all delivered fragments.
func (a *accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

// Len returns how many bytes have been delivered so far.
func (a *accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.Len()
}
