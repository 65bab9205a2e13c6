// Package mcp implements the Model Context Protocol server for kioku.
//
// The MCP server exposes the memory layer to MCP-compatible agents:
// tools to ingest finished runs and to retrieve semantic context for a
// new task, plus a resource with graph statistics.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/memory"
)

// Ingester runs the full ingestion pipeline for one run payload.
type Ingester interface {
	Ingest(ctx context.Context, payload model.RunPayload) (memory.IngestOutcome, error)
}

// Retriever answers similarity queries against stored runs.
type Retriever interface {
	Retrieve(ctx context.Context, req model.RetrievalRequest) (model.RetrievalResponse, error)
	RetrieveAll(ctx context.Context, userID, agentID string, limit int) (model.RetrieveAllResponse, error)
}

// StatsSource reports graph statistics.
type StatsSource interface {
	Stats(ctx context.Context) (model.Stats, error)
}

// Server wraps the MCP server with kioku's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ingester  Ingester
	retriever Retriever
	stats     StatsSource
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(ingester Ingester, retriever Retriever, stats StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ingester:  ingester,
		retriever: retriever,
		stats:     stats,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kioku",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kioku://stats — node and relationship counts for the memory graph.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kioku://stats",
			"Memory Graph Statistics",
			mcplib.WithResourceDescription("Node and relationship counts for the memory graph"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)
}

func (s *Server) handleStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	stats, err := s.stats.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: stats: %w", err)
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
