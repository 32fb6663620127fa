package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpFileCreate       Operation = "file.create"
	OpFileRead         Operation = "file.read"
	OpFileDelete       Operation = "file.delete"
	OpFileList         Operation = "file.list"
	OpConfigSet        Operation = "config.set"
	OpConnectionAccept Operation = "connection.accept"
	OpConnectionReject Operation = "connection.reject"
	OpSessionInterrupt Operation = "session.interrupt"
	OpSandboxCreate    Operation = "sandbox.create"
	OpSandboxKill      Operation = "sandbox.kill"
)

// Event represents an audit log entry
type Event struct {
	Timestamp    time.Time              `json:"timestamp"`
	Operation    Operation              `json:"operation"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	SandboxID    string                 `json:"sandbox_id,omitempty"`
	Path         string                 `json:"path,omitempty"`
	RemoteAddr   string                 `json:"remote_addr,omitempty"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger writing JSON to stdout
func New(enabled bool) *Logger {
	return NewWithWriter(os.Stdout, enabled)
}

// NewWithWriter creates an audit logger writing JSON to w
func NewWithWriter(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("connection_id", event.ConnectionID))
	}
	if event.SandboxID != "" {
		attrs = append(attrs, slog.String("sandbox_id", event.SandboxID))
	}
	if event.Path != "" {
		attrs = append(attrs, slog.String("path", event.Path))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op against path with the outcome carried by err
func (l *Logger) Record(op Operation, path string, err error) {
	event := &Event{Operation: op, Path: path, Success: err == nil}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}
