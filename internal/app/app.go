// Package app wires configuration, storage, the model runtime and the
// HTTP surface into a running application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/studybuddy-ai/studybuddy/db"
	"github.com/studybuddy-ai/studybuddy/internal/api"
	"github.com/studybuddy-ai/studybuddy/internal/chat"
	"github.com/studybuddy-ai/studybuddy/internal/chunker"
	"github.com/studybuddy-ai/studybuddy/internal/config"
	"github.com/studybuddy-ai/studybuddy/internal/document"
	"github.com/studybuddy-ai/studybuddy/internal/memory"
	"github.com/studybuddy-ai/studybuddy/internal/retrieval"
)

const shutdownGrace = 10 * time.Second

// App holds the initialized application.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	Pool     *pgxpool.Pool

	Documents *document.Store
	Ingestor  *document.Ingestor
	Memories  *memory.Store
	Chat      *chat.Service
	Server    *api.Server

	otelShutdown func()
	bgCancel     context.CancelFunc
	wg           *sync.WaitGroup
}

// Setup initializes the application. On error everything already
// initialized is released; on success call Close.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger, wg: &sync.WaitGroup{}}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Background work (ingestion, memory extraction) outlives requests
	// but not the process. bgCtx is canceled only after the wait group
	// drains, so in-flight work finishes before the pool closes.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bgCancel = bgCancel

	a.otelShutdown = setupTracing(ctx, cfg.Telemetry, logger)

	pool, err := setupPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	a.Embedder = embedder

	a.Documents, err = document.NewStore(pool, logger.With("component", "documents"))
	if err != nil {
		return nil, err
	}
	a.Memories, err = memory.NewStore(pool, logger.With("component", "memories"))
	if err != nil {
		return nil, err
	}

	a.Ingestor, err = document.NewIngestor(a.Documents, embedder, chunker.Options{
		ChunkSize: cfg.Chunk.Size,
		Overlap:   cfg.Chunk.Overlap,
	}, logger.With("component", "ingestor"))
	if err != nil {
		return nil, err
	}

	retriever, err := retrieval.NewRetriever(a.Documents, embedder, retrieval.Options{
		MaxResults:      cfg.Retrieval.MaxResults,
		PerDocumentCap:  cfg.Retrieval.PerDocumentCap,
		SimilarityFloor: cfg.Retrieval.SimilarityFloor,
	}, logger.With("component", "retrieval"))
	if err != nil {
		return nil, err
	}

	anonymous := chat.AnonymousProfile
	anonymous.MaxOutputTokens = cfg.AnonymousMaxOutputTokens
	authenticated := chat.AuthenticatedProfile
	authenticated.MaxOutputTokens = cfg.MaxOutputTokens
	authenticated.MaxChunks = cfg.Retrieval.MaxResults
	authenticated.MaxMemories = cfg.MemoryRecentLimit

	a.Chat, err = chat.New(chat.Config{
		Genkit:        g,
		ModelName:     cfg.ModelName,
		Logger:        logger.With("component", "chat"),
		Retriever:     retriever,
		Memories:      a.Memories,
		Anonymous:     anonymous,
		Authenticated: authenticated,
		BackgroundCtx: bgCtx,
		WG:            a.wg,
	})
	if err != nil {
		return nil, err
	}

	a.Server, err = api.NewServer(api.Config{
		Logger:        logger.With("component", "api"),
		Chat:          a.Chat,
		DocumentStore: a.Documents,
		Ingestor:      a.Ingestor,
		MemoryStore:   a.Memories,
		Pool:          pool,
		CORSOrigins:   cfg.CORSOrigins,
		TrustProxy:    cfg.TrustProxy,
		RateBurst:     rateBurstFromEnv(),
		BackgroundCtx: bgCtx,
		WG:            a.wg,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.Server.Handler() }

// Close drains background work and releases resources.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.wg != nil {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			a.Logger.Warn("background work did not drain in time")
		}
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelShutdown != nil {
		a.otelShutdown()
	}
	return nil
}

// rateBurstFromEnv reads STUDYBUDDY_RATE_BURST. Returns 0 (use default)
// if unset or invalid.
func rateBurstFromEnv() int {
	v := os.Getenv("STUDYBUDDY_RATE_BURST")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// setupTracing registers an OTLP span processor on Genkit's tracer
// provider. Returns a shutdown func; a no-op when telemetry is off or
// the exporter cannot be built.
func setupTracing(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) func() {
	if !cfg.Enabled {
		return func() {}
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)
	logger.Debug("tracing enabled", "endpoint", endpoint, "service", cfg.ServiceName)

	shutdown := tracing.TracerProvider().Shutdown
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// setupPool runs migrations and opens the connection pool.
func setupPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}
