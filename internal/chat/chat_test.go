package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"go.uber.org/goleak"

	"github.com/studybuddy-ai/studybuddy/internal/memory"
	"github.com/studybuddy-ai/studybuddy/internal/retrieval"
	"github.com/studybuddy-ai/studybuddy/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		// genkit.Init registers signal.NotifyContext and discards the
		// cancel func, so its watcher goroutine can never be stopped.
		goleak.IgnoreTopFunction("os/signal.NotifyContext.func1"),
	)
}

type fakeRetriever struct {
	mu      sync.Mutex
	results []retrieval.Result
	err     error
	calls   int
}

func (f *fakeRetriever) Retrieve(context.Context, string, string) ([]retrieval.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results, f.err
}

type fakeMemories struct {
	mu     sync.Mutex
	recent []*memory.Memory
	added  []memory.Fact
	dup    bool

	recentCalls int
}

func (f *fakeMemories) Recent(context.Context, string, int) ([]*memory.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentCalls++
	return f.recent, nil
}

func (f *fakeMemories) Add(_ context.Context, _, content, category string) (*memory.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dup {
		return nil, memory.ErrDuplicate
	}
	f.added = append(f.added, memory.Fact{Content: content, Category: category})
	return &memory.Memory{Content: content, Category: category}, nil
}

func (f *fakeMemories) addedFacts() []memory.Fact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memory.Fact(nil), f.added...)
}

type serviceFixture struct {
	service  *Service
	mock     *testutil.MockLLM
	memories *fakeMemories
	wg       *sync.WaitGroup
}

func newServiceFixture(t *testing.T, retriever ContextRetriever, memories MemoryStore) *serviceFixture {
	t.Helper()

	g := genkit.Init(context.Background())
	mock := testutil.NewMockLLM("fallback answer")
	mock.Register(g)

	var wg sync.WaitGroup
	svc, err := New(Config{
		Genkit:    g,
		ModelName: testutil.MockModelName,
		Logger:    testutil.DiscardLogger(),
		Retriever: retriever,
		Memories:  memories,
		WG:        &wg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fx := &serviceFixture{service: svc, mock: mock, wg: &wg}
	if fm, ok := memories.(*fakeMemories); ok {
		fx.memories = fm
	}
	return fx
}

func conversation(text string) []*ai.Message {
	return []*ai.Message{ai.NewUserTextMessage(text)}
}

func TestStreamTurn_FragmentsAccumulate(t *testing.T) {
	fx := newServiceFixture(t, nil, nil)
	fx.mock.AddResponse("binary search", "Halve the search range each step until found")

	var fragments []string
	resp, err := fx.service.StreamTurn(context.Background(),
		User{ID: "u1", Authenticated: true},
		conversation("explain binary search"),
		func(_ context.Context, fragment string) error {
			fragments = append(fragments, fragment)
			return nil
		})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if len(fragments) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(fragments))
	}
	if got := strings.Join(fragments, ""); got != resp.Text {
		t.Errorf("accumulated text %q != response text %q", got, resp.Text)
	}
}

func TestStreamTurn_NonStreaming(t *testing.T) {
	fx := newServiceFixture(t, nil, nil)
	fx.mock.AddResponse("hello", "Hi there")

	resp, err := fx.service.StreamTurn(context.Background(),
		User{ID: "u1"}, conversation("hello"), nil)
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if resp.Text != "Hi there" {
		t.Errorf("Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestStreamTurn_EmptyConversation(t *testing.T) {
	fx := newServiceFixture(t, nil, nil)

	if _, err := fx.service.StreamTurn(context.Background(), User{ID: "u1"}, nil, nil); !errors.Is(err, ErrEmptyConversation) {
		t.Fatalf("expected ErrEmptyConversation, got %v", err)
	}

	// A conversation ending with a model message is equally invalid.
	msgs := []*ai.Message{
		ai.NewUserTextMessage("question"),
		ai.NewModelTextMessage("answer"),
	}
	if _, err := fx.service.StreamTurn(context.Background(), User{ID: "u1"}, msgs, nil); !errors.Is(err, ErrEmptyConversation) {
		t.Fatalf("expected ErrEmptyConversation, got %v", err)
	}
}

func TestStreamTurn_RetrievalDegrades(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("embedding quota exceeded")}
	fx := newServiceFixture(t, retriever, nil)
	fx.mock.AddResponse("photosynthesis", "Plants convert light to energy")

	resp, err := fx.service.StreamTurn(context.Background(),
		User{ID: "u1", Authenticated: true},
		conversation("what is photosynthesis"), nil)
	if err != nil {
		t.Fatalf("turn should survive retrieval failure: %v", err)
	}
	if resp.Text == "" {
		t.Fatal("empty response text")
	}

	// With retrieval degraded, the system prompt carries the explicit
	// no-content notice instead of an absent section.
	calls := fx.mock.Calls()
	if len(calls) == 0 {
		t.Fatal("no model calls recorded")
	}
	if !strings.Contains(calls[0].System, noContentNotice) {
		t.Errorf("system prompt missing no-content notice:\n%s", calls[0].System)
	}
}

func TestStreamTurn_RetrievedChunksInPrompt(t *testing.T) {
	retriever := &fakeRetriever{results: []retrieval.Result{
		{DocumentName: "bio-notes", Content: "Chlorophyll absorbs red and blue light", Similarity: 0.8},
	}}
	fx := newServiceFixture(t, retriever, nil)
	fx.mock.AddResponse("chlorophyll", "It absorbs red and blue wavelengths")

	if _, err := fx.service.StreamTurn(context.Background(),
		User{ID: "u1", Authenticated: true},
		conversation("what does chlorophyll absorb"), nil); err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	calls := fx.mock.Calls()
	if len(calls) == 0 {
		t.Fatal("no model calls recorded")
	}
	sys := calls[0].System
	if !strings.Contains(sys, "bio-notes") || !strings.Contains(sys, "Chlorophyll absorbs") {
		t.Errorf("retrieved chunk missing from system prompt:\n%s", sys)
	}
	if strings.Contains(sys, noContentNotice) {
		t.Errorf("no-content notice present despite retrieval results")
	}
}

func TestStreamTurn_ExtractsMemories(t *testing.T) {
	memories := &fakeMemories{}
	fx := newServiceFixture(t, nil, memories)
	fx.mock.AddResponse("fact extraction system", "[preference] Prefers studying with flashcards")
	fx.mock.AddResponse("flashcards", "Flashcards work well for recall practice")

	_, err := fx.service.StreamTurn(context.Background(),
		User{ID: "u1", Authenticated: true},
		conversation("I like flashcards, do they work?"), nil)
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	fx.wg.Wait()

	added := memories.addedFacts()
	if len(added) != 1 {
		t.Fatalf("expected 1 extracted memory, got %d", len(added))
	}
	if added[0].Category != "preference" || !strings.Contains(added[0].Content, "flashcards") {
		t.Errorf("unexpected fact: %+v", added[0])
	}
}

func TestStreamTurn_AnonymousSkipsMemories(t *testing.T) {
	memories := &fakeMemories{recent: []*memory.Memory{{Content: "Known fact"}}}
	fx := newServiceFixture(t, nil, memories)
	fx.mock.AddResponse("question", "An answer")

	if _, err := fx.service.StreamTurn(context.Background(),
		User{ID: "anon-1", Authenticated: false},
		conversation("a question"), nil); err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	fx.wg.Wait()

	if memories.recentCalls != 0 {
		t.Errorf("memories loaded for anonymous user")
	}
	if len(memories.addedFacts()) != 0 {
		t.Errorf("memories extracted for anonymous user")
	}
}

func TestStreamTurn_AnonymousSkipsRetrieval(t *testing.T) {
	retriever := &fakeRetriever{results: []retrieval.Result{
		{DocumentName: "notes", Content: "Should never be searched", Similarity: 0.9},
	}}
	fx := newServiceFixture(t, retriever, nil)
	fx.mock.AddResponse("question", "An answer")

	if _, err := fx.service.StreamTurn(context.Background(),
		User{ID: "anon-1", Authenticated: false},
		conversation("a question"), nil); err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	retriever.mu.Lock()
	calls := retriever.calls
	retriever.mu.Unlock()
	if calls != 0 {
		t.Errorf("retriever called %d times for anonymous user", calls)
	}

	mockCalls := fx.mock.Calls()
	if len(mockCalls) == 0 {
		t.Fatal("no model calls recorded")
	}
	if !strings.Contains(mockCalls[0].System, signInNudge) {
		t.Errorf("anonymous prompt missing sign-in nudge:\n%s", mockCalls[0].System)
	}
}

func TestStreamTurn_MidStreamFailureKeepsPartial(t *testing.T) {
	memories := &fakeMemories{}
	fx := newServiceFixture(t, nil, memories)
	fx.mock.AddResponse("fact extraction system", "[context] Was asking for a long explanation")
	fx.mock.AddMidStreamError("long explanation", "one two three four five", 2,
		errors.New("connection reset"))

	var fragments []string
	_, err := fx.service.StreamTurn(context.Background(),
		User{ID: "u1", Authenticated: true},
		conversation("give me a long explanation"),
		func(_ context.Context, fragment string) error {
			fragments = append(fragments, fragment)
			return nil
		})
	if err == nil {
		t.Fatal("expected mid-stream failure")
	}
	if len(fragments) != 2 {
		t.Fatalf("expected 2 delivered fragments, got %d", len(fragments))
	}
	fx.wg.Wait()

	// Extraction still ran over the partial text.
	if len(memories.addedFacts()) != 1 {
		t.Errorf("expected extraction over partial response, got %d memories", len(memories.addedFacts()))
	}
}

func TestStreamTurn_DuplicateMemorySkipped(t *testing.T) {
	memories := &fakeMemories{dup: true}
	fx := newServiceFixture(t, nil, memories)
	fx.mock.AddResponse("fact extraction system", "[goal] Wants to pass the exam")
	fx.mock.AddResponse("exam", "Good luck with the exam")

	if _, err := fx.service.StreamTurn(context.Background(),
		User{ID: "u1", Authenticated: true},
		conversation("my exam is coming up"), nil); err != nil {
		t.Fatalf("duplicate memory must not fail the turn: %v", err)
	}
	fx.wg.Wait()
}
