package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
	"github.com/HyphaGroup/agentrelay/internal/session"
)

// SessionParams is the params struct for the session tool
type SessionParams struct {
	Action string `json:"action" jsonschema:"one of status, send, interrupt"`
	Text   string `json:"text,omitempty" jsonschema:"user turn text for send"`
}

// SessionStatus is the structured result of the status action
type SessionStatus struct {
	State            string `json:"state"`
	QueueDepth       int    `json:"queue_depth"`
	RuntimeSessionID string `json:"runtime_session_id,omitempty"`
	Model            string `json:"model,omitempty"`
	Error            string `json:"error,omitempty"`
}

var sessionActions = []string{"status", "send", "interrupt"}

func (s *Server) handleSession(ctx context.Context, request *mcp.CallToolRequest, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("session", sessionActions)
	}

	switch params.Action {
	case "status":
		return s.handleSessionStatus(ctx)
	case "send":
		return s.handleSessionSend(ctx, params)
	case "interrupt":
		return s.handleSessionInterrupt(ctx)
	default:
		return nil, nil, actionError("session", params.Action, sessionActions)
	}
}

func (s *Server) status() SessionStatus {
	st := SessionStatus{
		State:            string(s.bridge.State()),
		QueueDepth:       s.queue.Len(),
		RuntimeSessionID: s.bridge.RuntimeSessionID(),
	}
	if opts := s.bridge.Options(); opts != nil {
		st.Model = opts.Model
	} else {
		st.Model = s.store.Get().Model
	}
	if err := s.bridge.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Server) handleSessionStatus(ctx context.Context) (*mcp.CallToolResult, any, error) {
	st := s.status()

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", st.State)
	fmt.Fprintf(&b, "Queued turns: %d\n", st.QueueDepth)
	if st.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", st.Model)
	}
	if st.RuntimeSessionID != "" {
		fmt.Fprintf(&b, "Engine session: %s\n", st.RuntimeSessionID)
	}
	if st.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", st.Error)
	}
	return NewTextResult(b.String()), st, nil
}

func (s *Server) handleSessionSend(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.Text == "" {
		return nil, nil, fmt.Errorf("text is required")
	}
	if state := s.bridge.State(); state.IsTerminal() {
		return nil, nil, fmt.Errorf("session is %s", state)
	}

	depth := s.queue.Enqueue(agent.NewUserTurn(params.Text))
	logger.InfoContext(ctx, "turn queued via mcp", "queue_depth", depth)
	return NewTextResult(fmt.Sprintf("✅ Turn queued (%d waiting).", depth)), nil, nil
}

func (s *Server) handleSessionInterrupt(ctx context.Context) (*mcp.CallToolResult, any, error) {
	if err := s.bridge.Interrupt(); err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			metrics.RecordInterrupt("not_running")
			return nil, nil, fmt.Errorf("session is not running")
		}
		metrics.RecordInterrupt("error")
		return nil, nil, fmt.Errorf("failed to interrupt: %w", err)
	}
	metrics.RecordInterrupt("success")
	return NewTextResult("✅ Interrupt sent."), nil, nil
}
