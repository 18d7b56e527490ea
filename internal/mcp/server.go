package mcp

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/fyrsmithlabs/scratchsync/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
)

// Server is an MCP server over the scratchsync components.
type Server struct {
	mcp          *mcp.Server
	session      *session.Bootstrapper
	persister    *persister.Persister
	catalog      *catalog.Client
	state        *appstate.State
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients (default: "scratchsync").
	Name string

	// Version is the implementation version (default: "dev").
	Version string

	Logger *logging.Logger
	Meter  metric.Meter
}

// Services are the components the tools call.
type Services struct {
	Session   *session.Bootstrapper
	Persister *persister.Persister
	Catalog   *catalog.Client
	State     *appstate.State
}

// DefaultConfig returns the default server identity with a no-op logger.
func DefaultConfig() *Config {
	return &Config{
		Name:    "scratchsync",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates a server and registers every tool.
func NewServer(cfg *Config, svc Services) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "scratchsync"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if svc.Session == nil {
		return nil, fmt.Errorf("session bootstrapper is required")
	}
	if svc.Persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if svc.Catalog == nil {
		return nil, fmt.Errorf("catalog client is required")
	}
	if svc.State == nil {
		return nil, fmt.Errorf("app state is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		session:      svc.Session,
		persister:    svc.Persister,
		catalog:      svc.Catalog,
		state:        svc.State,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Meter, cfg.Logger),
		logger:       cfg.Logger,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// ToolRegistry returns the registry of tools this server exposes.
func (s *Server) ToolRegistry() *ToolRegistry { return s.toolRegistry }

// Connect serves a single session on t. Tests use it with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close stops in-flight catalog work.
func (s *Server) Close() error {
	s.logger.Info(context.Background(), "closing MCP server")
	s.catalog.Close()
	return nil
}
