package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kioku-ai/kioku/internal/ratelimit"
)

// Server is the kioku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, Index.
type ServerConfig struct {
	// Required dependencies.
	Ingester  Ingester
	Retriever Retriever
	Stats     StatsSource
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	Index     IndexChecker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	// Health endpoint details.
	MaskedDatabaseURL  string
	Provider           string
	EmbeddingDimension int
	RunIndexCollection string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Ingester:           cfg.Ingester,
		Retriever:          cfg.Retriever,
		Stats:              cfg.Stats,
		Index:              cfg.Index,
		Logger:             cfg.Logger,
		Version:            cfg.Version,
		MaskedDatabaseURL:  cfg.MaskedDatabaseURL,
		Provider:           cfg.Provider,
		EmbeddingDimension: cfg.EmbeddingDimension,
		RunIndexCollection: cfg.RunIndexCollection,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules keyed by client IP. Ingestion makes LLM calls, so
	// it gets its own bucket separate from reads.
	ingestRL := ratelimit.Middleware(cfg.Limiter, "ingest", ratelimit.IPKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion.
	mux.Handle("POST /runs", ingestRL(http.HandlerFunc(h.HandleIngestRun)))

	// Retrieval.
	mux.Handle("POST /retrieve", queryRL(http.HandlerFunc(h.HandleRetrieve)))
	mux.Handle("GET /retrieve_all", queryRL(http.HandlerFunc(h.HandleRetrieveAll)))

	// Graph statistics.
	mux.Handle("GET /stats", queryRL(http.HandlerFunc(h.HandleStats)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /{$}", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → CORS → tracing → logging → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
