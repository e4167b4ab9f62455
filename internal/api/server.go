package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/studybuddy-ai/studybuddy/internal/document"
	"github.com/studybuddy-ai/studybuddy/internal/memory"
)

const (
	defaultRateLimit = 10.0
	defaultRateBurst = 60
)

// Config assembles the HTTP server.
type Config struct {
	Logger        *slog.Logger
	Chat          ChatService
	DocumentStore *document.Store
	Ingestor      *document.Ingestor
	MemoryStore   *memory.Store
	Pool          Pinger

	// Authenticator resolves request identity. Defaults to
	// HeaderAuthenticator honoring TrustProxy.
	Authenticator Authenticator

	CORSOrigins []string
	TrustProxy  bool

	// RateLimit is sustained requests/second per client IP; RateBurst
	// is the bucket size. Zero values take the defaults.
	RateLimit float64
	RateBurst int

	// BackgroundCtx and WG govern async document ingestion, so shutdown
	// can wait for in-flight work. Both default when nil.
	BackgroundCtx context.Context
	WG            *sync.WaitGroup
}

func (cfg Config) validate() error {
	if cfg.Chat == nil {
		return errors.New("api: chat service is required")
	}
	if cfg.DocumentStore == nil {
		return errors.New("api: document store is required")
	}
	if cfg.Ingestor == nil {
		return errors.New("api: ingestor is required")
	}
	if cfg.MemoryStore == nil {
		return errors.New("api: memory store is required")
	}
	return nil
}

// Server is the HTTP front for chat, documents and memories.
type Server struct {
	handler http.Handler
	logger  *slog.Logger
}

// NewServer wires handlers and the middleware stack.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = HeaderAuthenticator{TrustProxy: cfg.TrustProxy}
	}
	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	wg := cfg.WG
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	rateBurst := cfg.RateBurst
	if rateBurst <= 0 {
		rateBurst = defaultRateBurst
	}

	chatH := &chatHandler{service: cfg.Chat, logger: logger}
	docsH := &documentHandler{
		store:    cfg.DocumentStore,
		ingestor: cfg.Ingestor,
		logger:   logger,
		bgCtx:    bgCtx,
		wg:       wg,
	}
	memH := &memoryHandler{store: cfg.MemoryStore, logger: logger}
	healthH := &healthHandler{pool: cfg.Pool}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/chat/stream", chatH.stream)
	apiMux.HandleFunc("GET /api/v1/documents", docsH.list)
	apiMux.HandleFunc("POST /api/v1/documents", docsH.create)
	apiMux.HandleFunc("GET /api/v1/documents/{id}", docsH.get)
	apiMux.HandleFunc("DELETE /api/v1/documents/{id}", docsH.remove)
	apiMux.HandleFunc("GET /api/v1/memories", memH.list)
	apiMux.HandleFunc("POST /api/v1/memories", memH.create)
	apiMux.HandleFunc("DELETE /api/v1/memories/{id}", memH.remove)

	// Build middleware stack (outermost first). Health probes bypass
	// it: load balancers should not consume rate-limit budget or log
	// noise.
	stack := []func(http.Handler) http.Handler{
		recoveryMiddleware(logger),
		requestIDMiddleware(),
		loggingMiddleware(logger),
		corsMiddleware(cfg.CORSOrigins),
		rateLimitMiddleware(newRateLimiter(rateLimit, rateBurst), cfg.TrustProxy, logger),
		identityMiddleware(auth, logger),
	}
	var apiHandler http.Handler = apiMux
	for i := len(stack) - 1; i >= 0; i-- {
		apiHandler = stack[i](apiHandler)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /health", healthH.health)
	root.HandleFunc("GET /ready", healthH.ready)
	root.Handle("/api/", apiHandler)

	return &Server{
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setSecurityHeaders(w)
			root.ServeHTTP(w, r)
		}),
		logger: logger,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }
