// Package client drives a relay gateway from the outside: it provisions a
// sandbox, configures the agent session, and exchanges frames over the
// WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/config"
	"github.com/HyphaGroup/agentrelay/internal/gateway"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/sandbox"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyStarted = errors.New("client already started")
	ErrMissingAPIKey  = errors.New("anthropic API key is required")
	ErrNoProvider     = errors.New("no sandbox provider and no connection URL")
)

// ServerError is an error frame sent by the gateway
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options configures a Client
type Options struct {
	// Template is the sandbox image (default claude-agent-server)
	Template string
	// Timeout is the sandbox lifetime (default 5m)
	Timeout time.Duration
	// ConnectionURL points at an existing gateway; no sandbox is created
	ConnectionURL string
	Debug         bool

	SandboxAPIKey   string
	AnthropicAPIKey string
	Query           config.QueryConfig

	Provider sandbox.Provider
	// Port is the gateway port inside the sandbox (default 3000)
	Port     int
	CPUs     int
	MemoryMB int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Message is one frame received from the gateway
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Encoding  string          `json:"encoding,omitempty"`
}

// Client is a single connection to a relay gateway
type Client struct {
	opts Options

	mu       sync.Mutex
	ws       *websocket.Conn
	sandbox  *sandbox.Sandbox
	handlers map[int]func(Message)
	nextID   int
	pending  chan Message
	done     chan struct{}
	readErr  error
	stopped  bool

	writeMu sync.Mutex
	fileMu  sync.Mutex
}

// New creates a client; nothing is provisioned until Start
func New(opts Options) *Client {
	if opts.Template == "" {
		opts.Template = config.DefaultSandboxTemplate
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultSandboxTimeout
	}
	if opts.Port <= 0 {
		opts.Port = config.DefaultPort
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts, handlers: make(map[int]func(Message))}
}

// Sandbox returns the sandbox created by Start, or nil
func (c *Client) Sandbox() *sandbox.Sandbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sandbox
}

// Start provisions a sandbox (unless ConnectionURL is set), configures the
// session and opens the WebSocket. A sandbox is killed again if any later
// step fails.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil || c.stopped {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	query := c.opts.Query.Clone()
	query.AnthropicAPIKey = config.CredentialsSection{}.AnthropicKey(firstNonEmpty(c.opts.AnthropicAPIKey, query.AnthropicAPIKey))
	if query.AnthropicAPIKey == "" {
		return ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(c.opts.ConnectionURL, "/")
	if baseURL == "" {
		if c.opts.Provider == nil {
			return ErrNoProvider
		}
		sb, err := c.opts.Provider.Create(ctx, c.opts.Template, sandbox.CreateOptions{
			APIKey:   c.opts.SandboxAPIKey,
			Timeout:  c.opts.Timeout,
			CPUs:     c.opts.CPUs,
			MemoryMB: c.opts.MemoryMB,
		})
		if err != nil {
			return fmt.Errorf("failed to create sandbox: %w", err)
		}
		host := sb.Host(c.opts.Port)
		if host == "" {
			c.killSandbox(ctx, sb)
			return fmt.Errorf("%w: %d", sandbox.ErrPortNotExposed, c.opts.Port)
		}
		c.mu.Lock()
		c.sandbox = sb
		c.mu.Unlock()
		baseURL = "http://" + host
		c.debugf("sandbox %s ready at %s", sb.ID, host)
	}

	if err := c.postConfig(ctx, baseURL, query); err != nil {
		c.abort(ctx)
		return err
	}

	if err := c.connect(ctx, baseURL); err != nil {
		c.abort(ctx)
		return err
	}
	return nil
}

func (c *Client) postConfig(ctx context.Context, baseURL string, query config.QueryConfig) error {
	body, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/config", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to configure server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("failed to configure server: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	c.debugf("config accepted")
	return nil
}

func (c *Client) connect(ctx context.Context, baseURL string) error {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	ws, _, err := c.opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}

	// The first frame tells whether the gateway accepted us
	var first Message
	if err := ws.ReadJSON(&first); err != nil {
		_ = ws.Close()
		return fmt.Errorf("failed to read connection acknowledgement: %w", err)
	}
	if first.Type == gateway.TypeError {
		_ = ws.Close()
		return &ServerError{Code: first.Code, Message: first.Error}
	}
	if first.Type != gateway.TypeConnected {
		_ = ws.Close()
		return fmt.Errorf("unexpected first frame %q", first.Type)
	}

	c.mu.Lock()
	c.ws = ws
	c.done = make(chan struct{})
	c.mu.Unlock()

	in := newInbox()
	go c.deliverLoop(in)
	go c.readLoop(ws, in)
	c.debugf("connected to %s", wsURL)
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn, in *inbox) {
	var err error
	defer func() {
		in.close()
		c.mu.Lock()
		c.readErr = err
		if c.pending != nil {
			close(c.pending)
			c.pending = nil
		}
		close(c.done)
		c.mu.Unlock()
	}()

	for {
		var data []byte
		if _, data, err = ws.ReadMessage(); err != nil {
			return
		}

		var msg Message
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			c.debugf("dropping undecodable frame: %v", jsonErr)
			continue
		}
		c.route(msg, in)
	}
}

// route hands a file reply to the waiting file operation and queues every
// other frame for the handlers
func (c *Client) route(msg Message, in *inbox) {
	c.mu.Lock()
	if c.pending != nil && isFileReply(msg) {
		c.pending <- msg
		c.pending = nil
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	in.push(msg)
}

// deliverLoop runs the handlers for each queued frame, in arrival order,
// until the connection's inbox is closed and drained
func (c *Client) deliverLoop(in *inbox) {
	for {
		msg, ok := in.pop()
		if !ok {
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	handlers := make([]func(Message), 0, len(c.handlers))
	for id := 0; id < c.nextID; id++ {
		if h, ok := c.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func isFileReply(msg Message) bool {
	return msg.Type == gateway.TypeFileResult ||
		(msg.Type == gateway.TypeError && msg.Code == string(gateway.CodeFileOperationFailure))
}

// OnMessage registers h for every frame that is not a file reply. Handlers
// run on one delivery goroutine, separate from the socket reader, in
// registration order and frame order; a handler may call the file methods.
// The returned func removes h.
func (c *Client) OnMessage(h func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Send writes one raw frame to the gateway
func (c *Client) Send(frame any) error {
	c.mu.Lock()
	ws := c.ws
	done := c.done
	c.mu.Unlock()

	if ws == nil {
		return ErrNotConnected
	}
	select {
	case <-done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

type outboundFrame struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Path     string          `json:"path,omitempty"`
	Content  *string         `json:"content,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
}

// SendText queues a user turn with the given text
func (c *Client) SendText(text string) error {
	return c.Send(outboundFrame{Type: gateway.TypeUserMessage, Data: agent.NewUserTurn(text)})
}

// Interrupt asks the gateway to interrupt the current turn
func (c *Client) Interrupt() error {
	return c.Send(outboundFrame{Type: gateway.TypeInterrupt})
}

// fileOp sends frame and waits for its reply. File commands run one at a
// time; the gateway answers them in order.
func (c *Client) fileOp(ctx context.Context, frame outboundFrame) (Message, error) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	reply := make(chan Message, 1)
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	c.pending = reply
	done := c.done
	c.mu.Unlock()

	clearPending := func() {
		c.mu.Lock()
		if c.pending == reply {
			c.pending = nil
		}
		c.mu.Unlock()
	}

	if err := c.Send(frame); err != nil {
		clearPending()
		return Message{}, err
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return Message{}, ErrNotConnected
		}
		if msg.Type == gateway.TypeError {
			return Message{}, &ServerError{Code: msg.Code, Message: msg.Error}
		}
		return msg, nil
	case <-done:
		return Message{}, ErrNotConnected
	case <-ctx.Done():
		clearPending()
		return Message{}, ctx.Err()
	}
}

// WriteFile creates or overwrites a workspace file. Content that is not
// valid UTF-8 is sent base64 encoded.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte) error {
	text, encoding := string(content), "utf-8"
	if !utf8.Valid(content) {
		text, encoding = base64.StdEncoding.EncodeToString(content), "base64"
	}
	_, err := c.fileOp(ctx, outboundFrame{Type: gateway.TypeCreateFile, Path: path, Content: &text, Encoding: encoding})
	return err
}

// ReadFile returns the contents of a workspace file
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	msg, err := c.fileOp(ctx, outboundFrame{Type: gateway.TypeReadFile, Path: path, Encoding: "base64"})
	if err != nil {
		return nil, err
	}

	var encoded string
	if err := json.Unmarshal(msg.Result, &encoded); err != nil {
		return nil, fmt.Errorf("unexpected read_file result: %w", err)
	}
	if msg.Encoding != "base64" {
		return []byte(encoded), nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("unexpected read_file result: %w", err)
	}
	return data, nil
}

// RemoveFile deletes a workspace file
func (c *Client) RemoveFile(ctx context.Context, path string) error {
	_, err := c.fileOp(ctx, outboundFrame{Type: gateway.TypeDeleteFile, Path: path})
	return err
}

// ListFiles returns the entry names of a workspace directory ("" for the root)
func (c *Client) ListFiles(ctx context.Context, path string) ([]string, error) {
	msg, err := c.fileOp(ctx, outboundFrame{Type: gateway.TypeListFiles, Path: path})
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(msg.Result, &names); err != nil {
		return nil, fmt.Errorf("unexpected list_files result: %w", err)
	}
	return names, nil
}

// Stop closes the WebSocket and kills the sandbox. It is safe to call more
// than once.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	ws := c.ws
	done := c.done
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
		<-done
	}

	return c.abort(ctx)
}

// abort kills the sandbox, if any
func (c *Client) abort(ctx context.Context) error {
	c.mu.Lock()
	sb := c.sandbox
	c.sandbox = nil
	c.mu.Unlock()

	if sb == nil {
		return nil
	}
	return c.killSandbox(ctx, sb)
}

func (c *Client) killSandbox(ctx context.Context, sb *sandbox.Sandbox) error {
	if err := c.opts.Provider.Kill(context.WithoutCancel(ctx), sb.ID); err != nil {
		logger.Error("Failed to kill sandbox %s: %v", sb.ID, err)
		return fmt.Errorf("failed to kill sandbox %s: %w", sb.ID, err)
	}
	c.debugf("sandbox %s killed", sb.ID)
	return nil
}

func (c *Client) debugf(format string, args ...any) {
	if c.opts.Debug {
		logger.Info("[client] "+format, args...)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
