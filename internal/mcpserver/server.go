// Package mcpserver exposes chronos state as MCP tools over SSE: incidents,
// timelines, learned patterns and rollback approvals.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/patterns"
	"github.com/chronos-ops/chronos/internal/rollback"
)

// Version is injected from the daemon build metadata.
var Version = "dev"

// MCPServer exposes chronos capabilities as MCP tools.
type MCPServer struct {
	server    *mcp.Server
	handler   http.Handler
	incidents *incident.Store
	kb        *patterns.KnowledgeBase
	rollbacks *rollback.Manager
	exportDir string
	logger    *zap.Logger
}

// New creates and wires the MCP server surface for chronos. exportDir is
// where postmortem bundles are written.
func New(
	incidents *incident.Store,
	kb *patterns.KnowledgeBase,
	rollbacks *rollback.Manager,
	exportDir string,
	logger *zap.Logger,
) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "chronos",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:    srv,
		incidents: incidents,
		kb:        kb,
		rollbacks: rollbacks,
		exportDir: exportDir,
		logger:    logger.Named("mcp"),
	}

	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
