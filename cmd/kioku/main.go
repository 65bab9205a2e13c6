package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kioku-ai/kioku/internal/config"
	"github.com/kioku-ai/kioku/internal/mcp"
	"github.com/kioku-ai/kioku/internal/ratelimit"
	"github.com/kioku-ai/kioku/internal/search"
	"github.com/kioku-ai/kioku/internal/server"
	"github.com/kioku-ai/kioku/internal/service/admission"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/service/llm"
	"github.com/kioku-ai/kioku/internal/service/memory"
	"github.com/kioku-ai/kioku/internal/service/retrieval"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/telemetry"
	"github.com/kioku-ai/kioku/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KIOKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kioku starting", "version", version, "port", cfg.Port, "provider", cfg.Provider)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Partial expression indexes for the configured dimension. Non-fatal:
	// cosine ranking works without them, just slower.
	if err := db.CreateVectorIndexes(ctx, cfg.EmbeddingDimensions); err != nil {
		logger.Warn("vector index creation failed", "error", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)
	chat := newChatProvider(cfg, logger)

	// Optional Qdrant run index (disabled if QDRANT_URL is empty).
	var runIndex *search.QdrantIndex
	if cfg.QdrantURL != "" {
		runIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = runIndex.Close() }()

		if err := runIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Assemble the service layer: admission gate, ingestion builder,
	// retrieval engine.
	gate := admission.NewGate(db, chat, admission.Config{
		LowSimilarityThreshold: cfg.LowSimilarityThreshold,
		TopK:                   cfg.DecisionTopK,
		Timeout:                cfg.DecisionTimeout,
	}, logger)

	summarizer := llm.NewSummarizer(chat, logger)

	var indexer memory.Indexer
	if runIndex != nil {
		indexer = runIndex
	}
	builder := memory.NewBuilder(db, embedder, summarizer, gate, indexer, memory.Config{
		TaskSimilarityThreshold: cfg.TaskSimilarityThreshold,
	}, logger)

	var searcher retrieval.Index
	if runIndex != nil {
		searcher = runIndex
	}
	engine := retrieval.NewEngine(db, embedder, searcher, logger)

	mcpSrv := mcp.New(builder, engine, db, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	runIndexCollection := ""
	var indexCheck server.IndexChecker
	if runIndex != nil {
		runIndexCollection = cfg.QdrantCollection
		indexCheck = runIndex
	}

	srv := server.New(server.ServerConfig{
		Ingester:            builder,
		Retriever:           engine,
		Stats:               db,
		Index:               indexCheck,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		MaskedDatabaseURL:   cfg.MaskedDatabaseURL(),
		Provider:            cfg.Provider,
		EmbeddingDimension:  cfg.EmbeddingDimensions,
		RunIndexCollection:  runIndexCollection,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("kioku shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("kioku stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider from configuration.
// Config validation already guarantees the required keys are present.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.Provider {
	case "gemini":
		logger.Info("embedding provider: gemini", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewGeminiProvider(cfg.GeminiAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("gemini provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (similarity is deterministic, not semantic)")
		return embedding.NewNoopProvider(dims)

	default:
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p
	}
}

// newChatProvider creates the LLM used for summarization and admission
// decisions. Ollama has no chat integration here, so it falls back to noop:
// summaries degrade to synthesized text and every admission defaults to ADD.
func newChatProvider(cfg config.Config, logger *slog.Logger) llm.Provider {
	switch cfg.Provider {
	case "gemini":
		logger.Info("chat provider: gemini", "model", cfg.GeminiChatModel)
		p, err := llm.NewGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiChatModel)
		if err != nil {
			logger.Error("gemini chat init failed", "error", err)
			return llm.NoopProvider{}
		}
		return p

	case "ollama", "noop":
		logger.Warn("chat provider: noop (summaries synthesized, all runs admitted as ADD)")
		return llm.NoopProvider{}

	default:
		logger.Info("chat provider: openai", "model", cfg.OpenAIChatModel)
		p, err := llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIChatModel)
		if err != nil {
			logger.Error("openai chat init failed", "error", err)
			return llm.NoopProvider{}
		}
		return p
	}
}
