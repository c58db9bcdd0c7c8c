// Package mcp exposes ledger working memory to agents as MCP tools over
// stdio.
package mcp

import (
	"context"
	"errors"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/ledger"
)

// Server is the panebus MCP server.
type Server struct {
	memory  *ledger.Memory
	version string
	logger  *zap.Logger
	server  *gomcp.Server
}

// Option configures the MCP server.
type Option func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLogger sets the logger used for tool failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates an MCP server backed by memory. The memory's store may
// be unavailable; every tool then answers {ok:false, reason:"unavailable"}.
func NewServer(memory *ledger.Memory, opts ...Option) (*Server, error) {
	if memory == nil {
		return nil, errors.New("ledger memory is required")
	}
	s := &Server{
		memory:  memory,
		version: "dev",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{
			Name:    "panebus",
			Version: s.version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves on stdin/stdout until the client disconnects or ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server started", zap.String("version", s.version),
		zap.Bool("ledger_available", s.memory.Store().IsAvailable()))
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "record_decision",
		Description: "Record a decision, directive, known issue, roadmap item or completion in the project's working memory",
	}, s.handleRecordDecision)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "supersede_decision",
		Description: "Replace an active decision with a new one. The old decision is marked superseded in the same write",
	}, s.handleSupersedeDecision)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_decisions",
		Description: "List decisions, newest first, filtered by category, status, session or tag",
	}, s.handleListDecisions)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "search_decisions",
		Description: "Search decision titles, bodies and tags for text",
	}, s.handleSearchDecisions)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_latest_context",
		Description: "Assemble working memory: active directives, known issues, roadmap, recent completions and architecture for the latest session",
	}, s.handleGetLatestContext)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "snapshot_context",
		Description: "Store an immutable snapshot of the current working memory, e.g. before compaction or handoff",
	}, s.handleSnapshotContext)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "record_session_start",
		Description: "Open a new numbered working session",
	}, s.handleRecordSessionStart)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "record_session_end",
		Description: "Close a working session with a summary and stats",
	}, s.handleRecordSessionEnd)
}
