package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 32 * 1024 * 1024
)

// Conn is one upgraded client connection. Frames are written by a single
// writer goroutine draining a bounded buffer; when the buffer is full new
// frames are dropped.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	send       chan []byte
	done       chan struct{}
	finished   chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string
	dropped    atomic.Int64
}

func newConn(ws *websocket.Conn, remoteAddr string, bufferSize int) *Conn {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	c := &Conn{
		id:         uuid.New().String(),
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, bufferSize),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)
	go c.writeLoop()
	return c
}

// ID identifies the connection in logs
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr is the client address the connection was upgraded from
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Dropped returns how many frames were discarded because the buffer was full
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Send queues frame for delivery. It reports false when the connection is
// closing; a full buffer drops the frame but still reports true.
func (c *Conn) Send(frame any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("Failed to encode frame for %s: %v", c.id, err)
		return true
	}

	select {
	case c.send <- data:
	default:
		c.dropped.Add(1)
		metrics.RecordEventDrop(metrics.DropBufferFull)
	}
	return true
}

// Close flushes queued frames, sends a close frame with code and text and
// closes the socket.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// Wait blocks until the writer has closed the socket
func (c *Conn) Wait() {
	<-c.finished
}

func (c *Conn) writeLoop() {
	defer close(c.finished)
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				logger.Info("Write to connection %s failed: %v", c.id, err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes frames queued before Close
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
