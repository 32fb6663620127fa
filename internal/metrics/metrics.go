package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Connections counts websocket connection attempts by outcome
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_connections_total",
			Help: "Total number of websocket connection attempts",
		},
		[]string{"result"},
	)

	// LiveConnection is 1 while a client holds the connection slot
	LiveConnection = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_live_connection",
			Help: "Whether a client connection is live",
		},
	)

	// TurnsEnqueued counts conversation turns accepted from the client
	TurnsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrelay_turns_enqueued_total",
			Help: "Total number of conversation turns enqueued",
		},
	)

	// QueueDepth tracks turns waiting for the session
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_queue_depth",
			Help: "Number of turns waiting to be consumed by the session",
		},
	)

	// EventsForwarded counts session output events delivered to a client
	EventsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrelay_events_forwarded_total",
			Help: "Total number of session events delivered to the client",
		},
	)

	// EventsDropped counts outbound frames that were not delivered
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_events_dropped_total",
			Help: "Total number of outbound frames dropped",
		},
		[]string{"reason"},
	)

	// SessionState is 1 for the bridge's current state and 0 otherwise
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrelay_session_state",
			Help: "Current state of the agent session",
		},
		[]string{"state"},
	)

	// Interrupts counts interrupt requests by outcome
	Interrupts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_interrupts_total",
			Help: "Total number of interrupt requests",
		},
		[]string{"status"},
	)

	// FileOperations tracks workspace file commands
	FileOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_file_operations_total",
			Help: "Total number of workspace file operations",
		},
		[]string{"operation", "status"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// SandboxesRunning tracks sandboxes known to the client store
	SandboxesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_sandboxes_running",
			Help: "Number of sandboxes recorded as running",
		},
	)
)

// Drop reasons
const (
	DropNoConnection = "no_connection"
	DropBufferFull   = "buffer_full"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/config", "/ws", "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordConnection records an accepted or rejected websocket connection
func RecordConnection(accepted bool) {
	if accepted {
		Connections.WithLabelValues("accepted").Inc()
		LiveConnection.Set(1)
		return
	}
	Connections.WithLabelValues("rejected").Inc()
}

// RecordDisconnect clears the live connection gauge
func RecordDisconnect() {
	LiveConnection.Set(0)
}

// RecordTurn records an enqueued turn and the resulting queue depth
func RecordTurn(depth int) {
	TurnsEnqueued.Inc()
	QueueDepth.Set(float64(depth))
}

// SetQueueDepth sets the current queue depth
func SetQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// RecordEventForwarded records a delivered session event
func RecordEventForwarded() {
	EventsForwarded.Inc()
}

// RecordEventDrop records a dropped outbound frame
func RecordEventDrop(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// SetSessionState marks state as the only active session state
func SetSessionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			SessionState.WithLabelValues(s).Set(1)
		} else {
			SessionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordInterrupt records an interrupt request
func RecordInterrupt(status string) {
	Interrupts.WithLabelValues(status).Inc()
}

// RecordFileOperation records a workspace file command
func RecordFileOperation(operation, status string) {
	FileOperations.WithLabelValues(operation, status).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// SetSandboxesRunning sets the running sandbox count
func SetSandboxesRunning(count float64) {
	SandboxesRunning.Set(count)
}
