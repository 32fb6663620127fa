// Package mcp exposes the relay's workspace and session over the Model
// Context Protocol (streamable HTTP at /mcp).
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentrelay/internal/config"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/session"
	"github.com/HyphaGroup/agentrelay/internal/workspace"
)

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the MCP server with the relay components its tools drive
type Server struct {
	workspace *workspace.Dispatcher
	bridge    *session.Bridge
	queue     *session.InputQueue
	store     *config.Store
	registry  *Registry
	mcpServer *mcp.Server
}

// ServerConfig holds the components exposed as tools
type ServerConfig struct {
	Workspace *workspace.Dispatcher
	Bridge    *session.Bridge
	Queue     *session.InputQueue
	Store     *config.Store
	Version   string
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		workspace: cfg.Workspace,
		bridge:    cfg.Bridge,
		queue:     cfg.Queue,
		store:     cfg.Store,
		registry:  NewRegistry(),
	}
	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "agentrelay",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)
	return s
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Handler returns the streamable HTTP handler for /mcp
func (s *Server) Handler() http.Handler {
	// EventStore enables SSE stream resumption
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})
}
