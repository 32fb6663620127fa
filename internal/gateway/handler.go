package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/agentrelay/internal/audit"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
	"github.com/HyphaGroup/agentrelay/internal/session"
	"github.com/HyphaGroup/agentrelay/internal/workspace"
)

// connHandler runs the commands of one accepted connection
type connHandler struct {
	server *Server
	conn   *Conn
}

var _ InboundHandler = (*connHandler)(nil)

// readLoop decodes frames until the client goes away. A malformed frame is
// answered with one error frame and the loop continues.
func (h *connHandler) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("Connection %s read error: %v", h.conn.ID(), err)
			}
			return
		}

		msg, err := DecodeInbound(data)
		if err != nil {
			h.sendMalformed(ctx, err)
			continue
		}
		msg.Visit(ctx, h)
	}
}

func (h *connHandler) sendMalformed(ctx context.Context, err error) {
	detail := err.Error()
	var merr *MalformedError
	if errors.As(err, &merr) {
		detail = merr.Detail
	}
	logger.WarnContext(ctx, "malformed message", "error", detail)
	h.conn.Send(Error(CodeMalformedMessage, "Invalid message format: "+detail))
}

func (h *connHandler) HandleUserMessage(ctx context.Context, msg *UserMessage) {
	h.server.queue.Enqueue(msg.Data)
}

func (h *connHandler) HandleInterrupt(ctx context.Context, msg *Interrupt) {
	err := h.server.bridge.Interrupt()
	h.server.audit.Log(&audit.Event{
		Operation:    audit.OpSessionInterrupt,
		ConnectionID: h.conn.ID(),
		Success:      err == nil,
		Error:        errString(err),
	})

	switch {
	case err == nil:
		metrics.RecordInterrupt("success")
	case errors.Is(err, session.ErrNotRunning):
		// Nothing in flight to cancel
		metrics.RecordInterrupt("not_running")
		logger.InfoContext(ctx, "interrupt ignored", "state", string(h.server.bridge.State()))
	default:
		metrics.RecordInterrupt("error")
		logger.ErrorContext(ctx, "interrupt failed", "error", err)
		h.conn.Send(Error(CodeInterruptFailure, fmt.Sprintf("Failed to interrupt: %v", err)))
	}
}

func (h *connHandler) HandleCreateFile(ctx context.Context, msg *CreateFile) {
	if err := h.server.dispatcher.CreateFile(ctx, msg.Path, msg.Content, msg.Encoding); err != nil {
		h.fileError("Failed to create file", err)
		return
	}
	h.conn.Send(FileResult(workspace.OpCreateFile, "success", ""))
}

func (h *connHandler) HandleReadFile(ctx context.Context, msg *ReadFile) {
	content, enc, err := h.server.dispatcher.ReadFile(ctx, msg.Path, msg.Encoding)
	if err != nil {
		h.fileError("Failed to read file", err)
		return
	}
	h.conn.Send(FileResult(workspace.OpReadFile, content, string(enc)))
}

func (h *connHandler) HandleDeleteFile(ctx context.Context, msg *DeleteFile) {
	if err := h.server.dispatcher.DeleteFile(ctx, msg.Path); err != nil {
		h.fileError("Failed to delete file", err)
		return
	}
	h.conn.Send(FileResult(workspace.OpDeleteFile, "success", ""))
}

func (h *connHandler) HandleListFiles(ctx context.Context, msg *ListFiles) {
	names, err := h.server.dispatcher.ListFiles(ctx, msg.Path)
	if err != nil {
		h.fileError("Failed to list files", err)
		return
	}
	h.conn.Send(FileResult(workspace.OpListFiles, names, ""))
}

func (h *connHandler) fileError(prefix string, err error) {
	h.conn.Send(Error(CodeFileOperationFailure, fmt.Sprintf("%s: %v", prefix, err)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
