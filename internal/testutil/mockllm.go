// Package testutil provides shared test infrastructure: a deterministic
// mock model and embedder, a pgvector test container, and SSE parsing
// helpers.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockModelName is the provider-qualified name the mock registers under.
const MockModelName = "mock/study-model"

// MockLLM returns canned responses by substring-matching the last user
// message. Responses stream word by word so tests exercise real
// multi-fragment delivery. Safe for concurrent use.
type MockLLM struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	calls    []MockCall
}

type mockRule struct {
	pattern  string // lowercase substring of the user message
	response string
	err      error // returned instead of a response when set
	failAt   int   // fail after streaming this many fragments (0 = never)
}

// MockCall records one generation request.
type MockCall struct {
	UserMessage string
	System      string
	Response    string
}

// NewMockLLM creates a mock with the given fallback response for
// unmatched messages.
func NewMockLLM(fallback string) *MockLLM {
	return &MockLLM{fallback: fallback}
}

// AddResponse registers a pattern and its response. First match wins.
func (m *MockLLM) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), response: response})
}

// AddError makes matching requests fail before any output.
func (m *MockLLM) AddError(pattern string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), err: err})
}

// AddMidStreamError streams the first failAt fragments of response, then
// fails. Used to test partial-delivery handling.
func (m *MockLLM) AddMidStreamError(pattern, response string, failAt int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), response: response, err: err, failAt: failAt})
}

// Calls returns a copy of all recorded calls.
func (m *MockLLM) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Register defines the mock as a genkit model and returns its reference.
func (m *MockLLM) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, MockModelName, &ai.ModelOptions{
		Label: "Mock Study Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			SystemRole: true,
		},
	}, m.generate)
}

func (m *MockLLM) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText, system string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser && userText == "" {
			userText = req.Messages[i].Text()
		}
		if req.Messages[i].Role == ai.RoleSystem {
			system = req.Messages[i].Text()
		}
	}

	m.mu.Lock()
	var matched *mockRule
	lower := strings.ToLower(userText)
	for i := range m.rules {
		if strings.Contains(lower, m.rules[i].pattern) {
			matched = &m.rules[i]
			break
		}
	}
	responseText := m.fallback
	if matched != nil {
		responseText = matched.response
	}
	m.calls = append(m.calls, MockCall{UserMessage: userText, System: system, Response: responseText})
	m.mu.Unlock()

	if matched != nil && matched.err != nil && matched.failAt == 0 {
		return nil, matched.err
	}

	if cb != nil {
		for i, fragment := range splitFragments(responseText) {
			if matched != nil && matched.err != nil && i == matched.failAt {
				return nil, matched.err
			}
			if err := cb(ctx, &ai.ModelResponseChunk{
				Content: []*ai.Part{ai.NewTextPart(fragment)},
			}); err != nil {
				return nil, err
			}
		}
		if matched != nil && matched.err != nil {
			return nil, matched.err
		}
	} else if matched != nil && matched.err != nil {
		return nil, matched.err
	}

	return &ai.ModelResponse{
		Request: req,
		Message: ai.NewModelTextMessage(responseText),
	}, nil
}

// splitFragments cuts text into word-sized fragments, each keeping its
// trailing space so concatenation reproduces the original exactly.
func splitFragments(text string) []string {
	if text == "" {
		return nil
	}
	var fragments []string
	for {
		idx := strings.IndexByte(text, ' ')
		if idx < 0 {
			fragments = append(fragments, text)
			return fragments
		}
		fragments = append(fragments, text[:idx+1])
		text = text[idx+1:]
		if text == "" {
			return fragments
		}
	}
}

// MockEmbedder produces deterministic unit vectors so similarity math is
// stable across runs. Explicit vectors can be pinned per input for exact
// cosine control.
type MockEmbedder struct {
	mu      sync.Mutex
	pinned  map[string][]float32
	dim     int
}

// NewMockEmbedder creates a mock embedder with the given dimensionality.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{pinned: make(map[string][]float32), dim: dim}
}

// Pin registers an explicit vector for the given input text.
func (e *MockEmbedder) Pin(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned[text] = vec
}

// Register defines the mock as a genkit embedder and returns its
// reference.
func (e *MockEmbedder) Register(g *genkit.Genkit) ai.Embedder {
	return genkit.DefineEmbedder(g, "mock/study-embedder", &ai.EmbedderOptions{
		Label:      "Mock Study Embedder",
		Dimensions: e.dim,
	}, e.embed)
}

func (e *MockEmbedder) embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	embeddings := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		embeddings[i] = &ai.Embedding{Embedding: e.vectorFor(documentText(doc))}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

func (e *MockEmbedder) vectorFor(text string) []float32 {
	e.mu.Lock()
	v, ok := e.pinned[text]
	e.mu.Unlock()
	if ok {
		return v
	}
	return hashVector(text, e.dim)
}

func documentText(doc *ai.Document) string {
	var b strings.Builder
	for _, p := range doc.Content {
		if p.Kind == ai.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// hashVector derives a normalized vector from a SHA-256 digest of the
// input, so identical text always embeds identically.
func hashVector(text string, dim int) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	for i := range vec {
		idx := (i * 4) % len(digest)
		bits := binary.LittleEndian.Uint32([]byte{
			digest[idx], digest[(idx+1)%32], digest[(idx+2)%32], digest[(idx+3)%32],
		})
		vec[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		inv := 1 / float32(math.Sqrt(float64(norm)))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
