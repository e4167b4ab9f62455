// Package chat orchestrates one conversational turn: retrieval of study
// material, context assembly, streamed generation, and post-turn memory
// extraction.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/studybuddy-ai/studybuddy/internal/memory"
	"github.com/studybuddy-ai/studybuddy/internal/retrieval"
)

const (
	// contextTimeout limits retrieval and memory loading per turn. Both
	// are best-effort: a slow lookup degrades the answer, it must not
	// block it.
	contextTimeout = 5 * time.Second

	// fallbackResponse is returned when the model produces no text.
	fallbackResponse = "I couldn't come up with an answer to that. Could you try rephrasing your question?"
)

// ErrEmptyConversation indicates StreamTurn was called without a trailing
// user message.
var ErrEmptyConversation = errors.New("conversation has no user message")

// User identifies the requester for one turn. Anonymous users share the
// reduced profile and never touch memories.
type User struct {
	ID            string
	Authenticated bool
}

// ContextRetriever supplies relevant document chunks for a query.
// *retrieval.Retriever implements it.
type ContextRetriever interface {
	Retrieve(ctx context.Context, ownerID, query string) ([]retrieval.Result, error)
}

// MemoryStore is the slice of the memory store the chat service needs.
type MemoryStore interface {
	Recent(ctx context.Context, ownerID string, limit int) ([]*memory.Memory, error)
	Add(ctx context.Context, ownerID, content, category string) (*memory.Memory, error)
}

// Response is the completed result of one turn.
type Response struct {
	Text string
}

// Config carries the service's dependencies. Genkit, ModelName, and
// Logger are required; Retriever and Memories are optional and degrade
// the turn gracefully when absent.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string
	Logger    *slog.Logger

	Retriever ContextRetriever
	Memories  MemoryStore

	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	RateLimiter          *rate.Limiter

	// Anonymous and Authenticated override the built-in profiles when
	// non-zero.
	Anonymous     Profile
	Authenticated Profile

	// BackgroundCtx outlives individual requests; async memory
	// extraction runs on it so the HTTP response never waits. WG tracks
	// extraction goroutines and is required when Memories is set.
	BackgroundCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
	WG            *sync.WaitGroup
}

func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return errors.New("model name is required")
	}
	if cfg.Memories != nil && cfg.WG == nil {
		return errors.New("wg is required when memories are enabled")
	}
	return nil
}

// Service runs chat turns. It is stateless per turn and safe for
// concurrent use.
type Service struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger

	retriever ContextRetriever
	memories  MemoryStore

	retryConfig    RetryConfig
	circuitBreaker *CircuitBreaker
	rateLimiter    *rate.Limiter

	anonymous     Profile
	authenticated Profile

	bgCtx context.Context //nolint:containedctx // app lifecycle context
	wg    *sync.WaitGroup
}

// New creates a chat service.
func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}
	rl := cfg.RateLimiter
	if rl == nil {
		rl = rate.NewLimiter(10, 30)
	}
	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	anon := cfg.Anonymous
	if anon == (Profile{}) {
		anon = AnonymousProfile
	}
	auth := cfg.Authenticated
	if auth == (Profile{}) {
		auth = AuthenticatedProfile
	}

	return &Service{
		g:              cfg.Genkit,
		modelName:      cfg.ModelName,
		logger:         logger,
		retriever:      cfg.Retriever,
		memories:       cfg.Memories,
		retryConfig:    retryConfig,
		circuitBreaker: NewCircuitBreaker(cfg.CircuitBreakerConfig),
		rateLimiter:    rl,
		anonymous:      anon,
		authenticated:  auth,
		bgCtx:          bgCtx,
		wg:             cfg.WG,
	}, nil
}

// StreamTurn runs one conversational turn. The last message must be from
// the user. When callback is non-nil each response fragment is delivered
// as it is produced; the full text is returned either way.
//
// Retrieval and memory loading are best-effort: on error or timeout the
// turn proceeds with whatever context is available. After the response
// completes (or fails mid-stream with partial text), memory extraction
// runs asynchronously for authenticated users.
func (s *Service) StreamTurn(ctx context.Context, user User, messages []*ai.Message, callback StreamCallback) (*Response, error) {
	userText := lastUserText(messages)
	if userText == "" {
		return nil, ErrEmptyConversation
	}

	profile := s.anonymous
	if user.Authenticated {
		profile = s.authenticated
	}

	results, memories := s.loadContext(ctx, user, retrieval.QueryText(messages))
	system := BuildSystemPrompt(profile, results, memories)

	acc := &accumulator{callback: callback}
	resp, err := s.generate(ctx, profile, system, messages, acc)
	if err != nil {
		// Fragments already delivered are a real partial answer; let
		// extraction see them even though the turn failed.
		if acc.Len() > 0 {
			s.spawnExtraction(user, userText, acc.String())
		}
		return nil, err
	}

	responseText := resp.Text()
	if callback != nil && acc.Len() > 0 {
		responseText = acc.String()
	}
	if strings.TrimSpace(responseText) == "" {
		s.logger.Warn("model returned empty response", "owner_id", user.ID)
		responseText = fallbackResponse
	} else {
		s.spawnExtraction(user, userText, responseText)
	}

	return &Response{Text: responseText}, nil
}

// loadContext fetches retrieval results and recent memories in parallel,
// each under its own timeout. Failures are logged and degrade to an
// empty section.
func (s *Service) loadContext(ctx context.Context, user User, query string) ([]retrieval.Result, []*memory.Memory) {
	type retrievalResult struct {
		results []retrieval.Result
		err     error
	}
	type memoryResult struct {
		memories []*memory.Memory
		err      error
	}

	// Buffered so the goroutines never leak if the caller returns early.
	retrievalCh := make(chan retrievalResult, 1)
	memoryCh := make(chan memoryResult, 1)

	go func() {
		// Anonymous callers have no document corpus to search.
		if s.retriever == nil || !user.Authenticated {
			retrievalCh <- retrievalResult{}
			return
		}
		rctx, cancel := context.WithTimeout(ctx, contextTimeout)
		defer cancel()
		results, err := s.retriever.Retrieve(rctx, user.ID, query)
		retrievalCh <- retrievalResult{results, err}
	}()

	go func() {
		if s.memories == nil || !user.Authenticated {
			memoryCh <- memoryResult{}
			return
		}
		mctx, cancel := context.WithTimeout(ctx, contextTimeout)
		defer cancel()
		memories, err := s.memories.Recent(mctx, user.ID, s.authenticated.MaxMemories)
		memoryCh <- memoryResult{memories, err}
	}()

	rr := <-retrievalCh
	if rr.err != nil {
		s.logger.Debug("retrieval degraded", "owner_id", user.ID, "error", rr.err)
	}
	mr := <-memoryCh
	if mr.err != nil {
		s.logger.Debug("memory load degraded", "owner_id", user.ID, "error", mr.err)
	}
	return rr.results, mr.memories
}

// generate issues the model call behind the circuit breaker and retry
// policy.
func (s *Service) generate(ctx context.Context, profile Profile, system string, messages []*ai.Message, acc *accumulator) (*ai.ModelResponse, error) {
	if err := s.circuitBreaker.Allow(); err != nil {
		s.logger.Warn("circuit breaker rejecting request", "state", s.circuitBreaker.State().String())
		return nil, fmt.Errorf("service unavailable: %w", err)
	}

	// Deep copy guards against genkit mutating message content in place
	// when the same history is rendered by concurrent turns.
	msgs := deepCopyMessages(messages)

	opts := []ai.GenerateOption{
		ai.WithModelName(s.modelName),
		ai.WithSystem(system),
		ai.WithMessages(msgs...),
		ai.WithConfig(&genai.GenerateContentConfig{
			MaxOutputTokens: profile.MaxOutputTokens,
		}),
	}
	if cb := acc.chunkCallback(); cb != nil {
		opts = append(opts, ai.WithStreaming(cb))
	}

	resp, err := s.generateWithRetry(ctx, acc, func(ctx context.Context) (*ai.ModelResponse, error) {
		return genkit.Generate(ctx, s.g, opts...)
	})
	if err != nil {
		s.circuitBreaker.Failure()
		return nil, err
	}
	s.circuitBreaker.Success()
	return resp, nil
}

// spawnExtraction starts async memory extraction for the finished turn.
// Anonymous turns never produce memories.
func (s *Service) spawnExtraction(user User, userText, responseText string) {
	if s.memories == nil || !user.Authenticated || user.ID == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.extractMemories(s.bgCtx, user.ID, userText, responseText)
	}()
}

// extractMemories extracts facts from a turn and stores the new ones.
// Best-effort: errors are logged, never surfaced to the user.
func (s *Service) extractMemories(ctx context.Context, ownerID, userText, responseText string) {
	conversation := memory.FormatConversation(userText, responseText)
	facts, err := memory.Extract(ctx, s.g, s.modelName, conversation)
	if err != nil {
		s.logger.Debug("memory extraction failed", "owner_id", ownerID, "error", err)
		return
	}

	stored := 0
	for _, f := range facts {
		_, err := s.memories.Add(ctx, ownerID, f.Content, f.Category)
		switch {
		case errors.Is(err, memory.ErrDuplicate):
			s.logger.Debug("skipping duplicate memory", "owner_id", ownerID)
		case err != nil:
			s.logger.Debug("storing extracted memory failed", "owner_id", ownerID, "error", err)
		default:
			stored++
		}
	}
	if stored > 0 {
		s.logger.Debug("extracted memories", "owner_id", ownerID, "stored", stored)
	}
}

// lastUserText returns the trimmed text of the final user message, or ""
// when the conversation does not end with one.
func lastUserText(messages []*ai.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg == nil {
			continue
		}
		if msg.Role != ai.RoleUser {
			return ""
		}
		return strings.TrimSpace(msg.Text())
	}
	return ""
}

// deepCopyMessages creates independent copies of message and part structs
// so concurrent generations never share mutable content slices.
func deepCopyMessages(msgs []*ai.Message) []*ai.Message {
	if msgs == nil {
		return nil
	}
	copied := make([]*ai.Message, len(msgs))
	for i, msg := range msgs {
		parts := make([]*ai.Part, len(msg.Content))
		for j, part := range msg.Content {
			parts[j] = deepCopyPart(part)
		}
		copied[i] = &ai.Message{
			Role:     msg.Role,
			Content:  parts,
			Metadata: shallowCopyMap(msg.Metadata),
		}
	}
	return copied
}

func deepCopyPart(p *ai.Part) *ai.Part {
	if p == nil {
		return nil
	}
	cp := &ai.Part{
		Kind:        p.Kind,
		ContentType: p.ContentType,
		Text:        p.Text,
		Custom:      shallowCopyMap(p.Custom),
		Metadata:    shallowCopyMap(p.Metadata),
	}
	if p.ToolRequest != nil {
		cp.ToolRequest = &ai.ToolRequest{
			Input: p.ToolRequest.Input,
			Name:  p.ToolRequest.Name,
			Ref:   p.ToolRequest.Ref,
		}
	}
	if p.ToolResponse != nil {
		cp.ToolResponse = &ai.ToolResponse{
			Name:   p.ToolResponse.Name,
			Output: p.ToolResponse.Output,
			Ref:    p.ToolResponse.Ref,
		}
	}
	return cp
}

func shallowCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
