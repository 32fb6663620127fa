// Package gateway is the HTTP and WebSocket front of the relay. Server owns
// the config store, connection gate, input queue, stream bridge and
// workspace dispatcher for one process.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/audit"
	"github.com/HyphaGroup/agentrelay/internal/config"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/mcp"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
	"github.com/HyphaGroup/agentrelay/internal/session"
	"github.com/HyphaGroup/agentrelay/internal/workspace"
)

const maxConfigBody = 1 << 20

// Options configures a Server
type Options struct {
	WorkspaceDir string
	Runtime      agent.Runtime
	Audit        *audit.Logger
	Version      string

	// SendBuffer is the per-connection outbound frame buffer
	SendBuffer int

	// ConfigRequestsPerSecond limits POST /config per client; 0 disables
	ConfigRequestsPerSecond float64
	ConfigBurst             int
}

// Server coordinates one relay: a single agent session shared by at most
// one live client connection.
type Server struct {
	opts       Options
	store      *config.Store
	gate       *Gate
	queue      *session.InputQueue
	bridge     *session.Bridge
	dispatcher *workspace.Dispatcher
	mcp        *mcp.Server
	limiter    *RateLimiter
	audit      *audit.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer wires a relay around opts.Runtime
func NewServer(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, errors.New("agent runtime is required")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = config.DefaultSendBuffer
	}
	if opts.ConfigBurst <= 0 {
		opts.ConfigBurst = config.DefaultConfigBurst
	}

	dispatcher, err := workspace.NewDispatcher(opts.WorkspaceDir, opts.Audit)
	if err != nil {
		return nil, err
	}
	if err := dispatcher.EnsureRoot(); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	gate := NewGate(opts.Audit)
	queue := session.NewInputQueue()
	bridge := session.NewBridge(opts.Runtime, queue, gate, agent.DefaultOptions(dispatcher.Root()))
	store := config.NewStore()

	s := &Server{
		opts:       opts,
		store:      store,
		gate:       gate,
		queue:      queue,
		bridge:     bridge,
		dispatcher: dispatcher,
		audit:      opts.Audit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway has no browser-facing origin policy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if opts.ConfigRequestsPerSecond > 0 {
		s.limiter = NewRateLimiter(opts.ConfigRequestsPerSecond, opts.ConfigBurst)
	}
	s.mcp = mcp.NewServer(&mcp.ServerConfig{
		Workspace: dispatcher,
		Bridge:    bridge,
		Queue:     queue,
		Store:     store,
		Version:   opts.Version,
	})
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Store returns the config store
func (s *Server) Store() *config.Store { return s.store }

// Gate returns the connection gate
func (s *Server) Gate() *Gate { return s.gate }

// Queue returns the input queue
func (s *Server) Queue() *session.InputQueue { return s.queue }

// Bridge returns the stream bridge
func (s *Server) Bridge() *session.Bridge { return s.bridge }

// Dispatcher returns the workspace dispatcher
func (s *Server) Dispatcher() *workspace.Dispatcher { return s.dispatcher }

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /ready", s.handleReadinessCheck)

	// Metrics endpoint (Prometheus scraping)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("POST /config", RateLimitMiddleware(s.limiter)(http.HandlerFunc(s.handleSetConfig)))
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mcpHandler := s.mcp.Handler()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)

	return metrics.Middleware(mux)
}

// ListenAndServe serves the gateway on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves the gateway on ln until Shutdown. After Shutdown it closes
// ln and returns nil at once.
func (s *Server) Serve(ln net.Listener) error {
	addr := ln.Addr().String()
	logger.Info("🚀 Agent relay listening on %s", addr)
	logger.Info("   Config endpoint: http://%s/config", addr)
	logger.Info("   WebSocket endpoint: ws://%s/ws", addr)
	logger.Info("   Workspace: %s", s.dispatcher.Root())

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes the live connection and ends
// the agent session
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if c := s.gate.Live(); c != nil {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	_ = s.bridge.Close()
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Info("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, r.RemoteAddr, s.opts.SendBuffer)
	if !s.gate.Accept(c) {
		c.Wait()
		return
	}
	defer func() {
		s.gate.Release(c)
		c.Close(websocket.CloseNormalClosure, "")
		c.Wait()
	}()

	ctx := logger.WithConnectionID(r.Context(), c.ID())
	c.Send(Connected())

	// The first accepted connection starts the session with the config
	// stored at that moment
	if err := s.bridge.Start(s.store.Get()); err != nil {
		logger.ErrorContext(ctx, "agent session did not start", "error", err)
	}

	h := &connHandler{server: s, conn: c}
	h.readLoop(ctx, ws)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
		return
	}

	cfg, err := config.ParseQueryConfig(body)
	if err != nil {
		s.audit.Log(&audit.Event{
			Operation:  audit.OpConfigSet,
			RemoteAddr: r.RemoteAddr,
			Error:      err.Error(),
		})
		if errors.Is(err, config.ErrInvalidJSON) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
			return
		}
		detail := strings.TrimPrefix(err.Error(), config.ErrInvalidConfig.Error()+": ")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid config: " + detail})
		return
	}

	s.store.Set(cfg)
	s.audit.Log(&audit.Event{
		Operation:  audit.OpConfigSet,
		RemoteAddr: r.RemoteAddr,
		Success:    true,
		Details:    map[string]interface{}{"session_state": string(s.bridge.State())},
	})
	logger.Info("Query config updated from %s (model=%q)", r.RemoteAddr, cfg.Model)

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"config": s.store.Get().Redacted()})
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadinessCheck reports not ready once the session has failed or
// the engine cannot be started
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	state := s.bridge.State()
	body := map[string]any{
		"status":      "ready",
		"session":     string(state),
		"queue_depth": s.queue.Len(),
		"connected":   s.gate.Live() != nil,
	}

	switch {
	case state == session.StateFailed:
		body["status"] = "not ready"
		body["reason"] = errString(s.bridge.Err())
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	case state == session.StateUninitialized:
		if err := s.opts.Runtime.Ping(r.Context()); err != nil {
			body["status"] = "not ready"
			body["reason"] = "agent runtime unavailable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
