package gateway

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/audit"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
	"github.com/HyphaGroup/agentrelay/internal/session"
)

// ErrAlreadyConnected is the rejection reason for a second connection
var ErrAlreadyConnected = errors.New("already connected")

const alreadyConnectedMessage = "Server already has an active connection"

// Gate admits at most one live connection. It is also the bridge's output:
// session output goes to whichever connection is live.
type Gate struct {
	mu    sync.Mutex
	live  *Conn
	audit *audit.Logger
}

var _ session.Output = (*Gate)(nil)

// NewGate creates an empty gate
func NewGate(auditLog *audit.Logger) *Gate {
	if auditLog == nil {
		auditLog = audit.Default()
	}
	return &Gate{audit: auditLog}
}

// Accept registers c as the live connection. If one is already live, c is
// sent an already_connected error and closed, and Accept returns false.
func (g *Gate) Accept(c *Conn) bool {
	g.mu.Lock()
	if g.live != nil {
		existing := g.live.ID()
		g.mu.Unlock()

		logger.Info("Rejecting connection %s from %s: %s is live", c.ID(), c.RemoteAddr(), existing)
		metrics.RecordConnection(false)
		g.audit.Log(&audit.Event{
			Operation:    audit.OpConnectionReject,
			ConnectionID: c.ID(),
			RemoteAddr:   c.RemoteAddr(),
			Error:        ErrAlreadyConnected.Error(),
		})

		c.Send(Error(CodeAlreadyConnected, alreadyConnectedMessage))
		c.Close(websocket.ClosePolicyViolation, ErrAlreadyConnected.Error())
		return false
	}
	g.live = c
	g.mu.Unlock()

	logger.Info("Accepted connection %s from %s", c.ID(), c.RemoteAddr())
	metrics.RecordConnection(true)
	g.audit.Log(&audit.Event{
		Operation:    audit.OpConnectionAccept,
		ConnectionID: c.ID(),
		RemoteAddr:   c.RemoteAddr(),
		Success:      true,
	})
	return true
}

// Release clears the live slot if c holds it
func (g *Gate) Release(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live != c {
		return
	}
	g.live = nil
	metrics.RecordDisconnect()
	logger.Info("Connection %s released (%d frames dropped)", c.ID(), c.Dropped())
}

// Live returns the live connection, or nil
func (g *Gate) Live() *Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

// SendEvent forwards a session event to the live connection
func (g *Gate) SendEvent(event *agent.StreamEvent) bool {
	c := g.Live()
	if c == nil {
		return false
	}
	return c.Send(SDKMessage(event))
}

// SendError reports a session failure to the live connection
func (g *Gate) SendError(message string) bool {
	c := g.Live()
	if c == nil {
		return false
	}
	return c.Send(Error(CodeSessionFailure, message))
}
